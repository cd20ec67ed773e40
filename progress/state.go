package progress

// OperationType is the kind of transaction being reported.
type OperationType uint32

const (
	NoOperation OperationType = iota
	UpdateSystem
	UpdateApplications
	InstallApplications
	RemoveApplications
	RefreshRepositories
)

func (t OperationType) String() string {
	switch t {
	case NoOperation:
		return "none"
	case UpdateSystem:
		return "updateSystem"
	case UpdateApplications:
		return "updateApplications"
	case InstallApplications:
		return "installApplications"
	case RemoveApplications:
		return "removeApplications"
	case RefreshRepositories:
		return "refreshRepositories"
	default:
		return "unknown"
	}
}

// Step is a bit set of transaction steps.
type Step uint32

const (
	NoStep   Step = 0
	Download Step = 1 << 0
	Process  Step = 1 << 1
)

// State is the progress of the transaction currently running on the
// device, if any.
type State struct {
	OperationID    string        `json:"operationId"`
	StartDateTime  int64         `json:"startDateTime"`
	OperationType  OperationType `json:"operationType"`
	AvailableSteps Step          `json:"availableSteps"`
	CurrentStep    Step          `json:"currentStep"`
	Description    string        `json:"description"`
	Percent        int32         `json:"percent"`
	Rate           int32         `json:"rate"`
}

// Active reports whether a transaction is in progress.
func (s State) Active() bool {
	return s.OperationID != ""
}

// Signal names the group of properties that changed.
type Signal int

const (
	OperationTypeChanged Signal = iota
	CurrentStepChanged
	DescriptionChanged
	ProgressChanged
)

func (s Signal) String() string {
	switch s {
	case OperationTypeChanged:
		return "operationTypeChanged"
	case CurrentStepChanged:
		return "currentStepChanged"
	case DescriptionChanged:
		return "descriptionChanged"
	case ProgressChanged:
		return "progressChanged"
	default:
		return "unknown"
	}
}

// Property names as reported by the package backend, with the signal each
// one belongs to.
const (
	PropertyOperationID    = "operationId"
	PropertyStartDateTime  = "startDateTime"
	PropertyOperationType  = "operationType"
	PropertyAvailableSteps = "availableSteps"
	PropertyCurrentStep    = "currentStep"
	PropertyDescription    = "description"
	PropertyPercent        = "percent"
	PropertyRate           = "rate"
)

var propertySignals = map[string]Signal{
	PropertyOperationID:    OperationTypeChanged,
	PropertyStartDateTime:  OperationTypeChanged,
	PropertyOperationType:  OperationTypeChanged,
	PropertyAvailableSteps: OperationTypeChanged,
	PropertyCurrentStep:    CurrentStepChanged,
	PropertyDescription:    DescriptionChanged,
	PropertyPercent:        ProgressChanged,
	PropertyRate:           ProgressChanged,
}

// Properties returns the state keyed by property name.
func (s State) Properties() map[string]interface{} {
	return map[string]interface{}{
		PropertyOperationID:    s.OperationID,
		PropertyStartDateTime:  s.StartDateTime,
		PropertyOperationType:  uint32(s.OperationType),
		PropertyAvailableSteps: uint32(s.AvailableSteps),
		PropertyCurrentStep:    uint32(s.CurrentStep),
		PropertyDescription:    s.Description,
		PropertyPercent:        s.Percent,
		PropertyRate:           s.Rate,
	}
}

// set applies one property value. It reports false for unknown keys and
// values of an unusable type.
func (s *State) set(key string, value interface{}) bool {
	switch key {
	case PropertyOperationID:
		v, ok := toString(value)
		if ok {
			s.OperationID = v
		}
		return ok
	case PropertyDescription:
		v, ok := toString(value)
		if ok {
			s.Description = v
		}
		return ok
	}

	n, ok := toInt64(value)
	if !ok {
		return false
	}

	switch key {
	case PropertyStartDateTime:
		s.StartDateTime = n
	case PropertyOperationType:
		s.OperationType = OperationType(n)
	case PropertyAvailableSteps:
		s.AvailableSteps = Step(n)
	case PropertyCurrentStep:
		s.CurrentStep = Step(n)
	case PropertyPercent:
		s.Percent = int32(n)
	case PropertyRate:
		s.Rate = int32(n)
	default:
		return false
	}

	return true
}

func toString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
