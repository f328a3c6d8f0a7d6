package alert

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TriggerPayload is the raw standard SOS request as delivered by the transport layer.
type TriggerPayload struct {
	ReporterType  string   `json:"reporter_type" validate:"required,oneof=driver passenger customer"`
	ReporterID    string   `json:"reporter_id" validate:"required,max=64"`
	EmergencyType string   `json:"emergency_type" validate:"omitempty,emergency_type"`
	Latitude      *float64 `json:"latitude" validate:"required,latitude"`
	Longitude     *float64 `json:"longitude" validate:"required,longitude"`
	Accuracy      *float64 `json:"accuracy" validate:"omitempty,gte=0"`
	Address       string   `json:"address" validate:"max=500"`
	DriverID      string   `json:"driver_id" validate:"max=64"`
	TripID        string   `json:"trip_id" validate:"max=64"`
	Message       string   `json:"message" validate:"max=2000"`
}

// PanicPayload is the reduced panic-button schema: location and driver identity only are
// mandatory.
type PanicPayload struct {
	DriverID      string   `json:"driver_id" validate:"required,max=64"`
	Latitude      *float64 `json:"latitude" validate:"required,latitude"`
	Longitude     *float64 `json:"longitude" validate:"required,longitude"`
	EmergencyType string   `json:"emergency_type" validate:"omitempty,emergency_type"`
	Accuracy      *float64 `json:"accuracy" validate:"omitempty,gte=0"`
	Address       string   `json:"address" validate:"max=500"`
	TripID        string   `json:"trip_id" validate:"max=64"`
	Message       string   `json:"message" validate:"max=2000"`
}

// Trigger is a validated, normalized request ready to become an Alert.
type Trigger struct {
	Source        Source
	EmergencyType EmergencyType
	ReporterType  ReporterType
	ReporterID    string
	Location      Location
	DriverID      string
	TripID        string
	Message       string
}

var typeAliases = map[string]EmergencyType{
	"medical":  TypeMedical,
	"security": TypeSecurityThreat,
	"accident": TypeCriticalAccident,
	"disaster": TypeNaturalDisaster,
}

// Validator normalizes and validates trigger payloads. It is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds a Validator with the geo and emergency-type rules registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("latitude", func(fl validator.FieldLevel) bool {
		val, ok := floatValue(fl.Field())
		return ok && val >= -90 && val <= 90
	})
	_ = v.RegisterValidation("longitude", func(fl validator.FieldLevel) bool {
		val, ok := floatValue(fl.Field())
		return ok && val >= -180 && val <= 180
	})
	_ = v.RegisterValidation("emergency_type", func(fl validator.FieldLevel) bool {
		return EmergencyType(fl.Field().String()).Valid()
	})
	return &Validator{validate: v}
}

// Struct exposes the underlying validator for transport-level request structs.
func (v *Validator) Struct(s interface{}) error {
	return v.validate.Struct(s)
}

// ValidateTrigger checks a standard SOS payload.
func (v *Validator) ValidateTrigger(p TriggerPayload) (Trigger, error) {
	p.ReporterType = strings.ToLower(strings.TrimSpace(p.ReporterType))
	p.ReporterID = strings.TrimSpace(p.ReporterID)
	p.EmergencyType = normalizeType(p.EmergencyType)
	p.DriverID = strings.TrimSpace(p.DriverID)
	p.TripID = strings.TrimSpace(p.TripID)

	if err := v.check(p); err != nil {
		return Trigger{}, err
	}

	t := Trigger{
		Source:        SourceSOS,
		EmergencyType: defaultType(p.EmergencyType),
		ReporterType:  ReporterType(p.ReporterType),
		ReporterID:    p.ReporterID,
		Location:      location(p.Latitude, p.Longitude, p.Accuracy, p.Address),
		DriverID:      p.DriverID,
		TripID:        p.TripID,
		Message:       strings.TrimSpace(p.Message),
	}
	if t.ReporterType == ReporterDriver && t.DriverID == "" {
		t.DriverID = t.ReporterID
	}
	return t, nil
}

// ValidatePanic checks a panic-button payload. The reporter is always the driver.
func (v *Validator) ValidatePanic(p PanicPayload) (Trigger, error) {
	p.DriverID = strings.TrimSpace(p.DriverID)
	p.EmergencyType = normalizeType(p.EmergencyType)
	p.TripID = strings.TrimSpace(p.TripID)

	if err := v.check(p); err != nil {
		return Trigger{}, err
	}

	return Trigger{
		Source:        SourcePanicButton,
		EmergencyType: defaultType(p.EmergencyType),
		ReporterType:  ReporterDriver,
		ReporterID:    p.DriverID,
		Location:      location(p.Latitude, p.Longitude, p.Accuracy, p.Address),
		DriverID:      p.DriverID,
		TripID:        p.TripID,
		Message:       strings.TrimSpace(p.Message),
	}, nil
}

func (v *Validator) check(payload interface{}) error {
	err := v.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Violations: []FieldViolation{{Field: "payload", Rule: "invalid", Message: err.Error()}}}
	}
	out := &ValidationError{Violations: make([]FieldViolation, 0, len(verrs))}
	for _, fe := range verrs {
		out.Violations = append(out.Violations, FieldViolation{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: violationMessage(fe),
		})
	}
	return out
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "latitude":
		return "must be between -90 and 90"
	case "longitude":
		return "must be between -180 and 180"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "emergency_type":
		return "unknown emergency type"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be >= " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func floatValue(field reflect.Value) (float64, bool) {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return 0, false
		}
		field = field.Elem()
	}
	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		return field.Float(), true
	}
	return 0, false
}

// ParseEmergencyType normalizes raw, resolving short aliases such as "medical".
func ParseEmergencyType(raw string) EmergencyType {
	return EmergencyType(normalizeType(raw))
}

func normalizeType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := typeAliases[t]; ok {
		return string(alias)
	}
	return t
}

func defaultType(t string) EmergencyType {
	if t == "" {
		return TypeGeneral
	}
	return EmergencyType(t)
}

func location(lat, lon, accuracy *float64, address string) Location {
	return Location{
		Latitude:  *lat,
		Longitude: *lon,
		Accuracy:  cloneFloat(accuracy),
		Address:   strings.TrimSpace(address),
	}
}
