package pipeline

// StepLogger receives progress notifications while a pipeline runs.
type StepLogger interface {
	StepStarted(step Step)
	StepFinished(result StepResult)
	StepSkipped(result StepResult)
}

type nullStepLogger struct{}

func (nullStepLogger) StepStarted(Step)        {}
func (nullStepLogger) StepFinished(StepResult) {}
func (nullStepLogger) StepSkipped(StepResult)  {}
