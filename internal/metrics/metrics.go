package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	DecisionsEvaluated Counter
	EntriesPlaced      Counter
	EntriesRejected    Counter
	ExitsFired         Counter
	CloseRejected      Counter
	SquareOffs         Counter
	KillSwitchTripped  Counter
	FillsUnresolved    Counter
	TriggersFired      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		DecisionsEvaluated: n,
		EntriesPlaced:      n,
		EntriesRejected:    n,
		ExitsFired:         n,
		CloseRejected:      n,
		SquareOffs:         n,
		KillSwitchTripped:  n,
		FillsUnresolved:    n,
		TriggersFired:      n,
	}
}
