package vae

// Mode is the train/eval state of a model.
type Mode int

const (
	Training Mode = iota
	Evaluating
)

func (m Mode) String() string {
	switch m {
	case Training:
		return "training"
	case Evaluating:
		return "evaluating"
	default:
		return "unknown"
	}
}
