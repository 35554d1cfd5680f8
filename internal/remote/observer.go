package remote

import (
	"go.uber.org/zap"
)

// ProcessRef identifies the process an event belongs to
type ProcessRef struct {
	Remote string
	ID     string
	Args   []string
}

// Observer receives the events of the processes it was registered on.
// Returning an error (or panicking) does not stop delivery to other
// observers or processes; it is logged as a DeliveryError
type Observer interface {
	ReceiveOut(ref ProcessRef, lines []string) error
	ReceiveErr(ref ProcessRef, lines []string) error
	ReceiveStatus(ref ProcessRef, exitCode int) error
}

// Interest selects which events an observer wants for one process
type Interest struct {
	Output bool
	Error  bool
	Status bool
}

var (
	// DefaultInterest skips stdout, which is usually noisy
	DefaultInterest = Interest{Error: true, Status: true}
	// AllEvents subscribes to every event
	AllEvents = Interest{Output: true, Error: true, Status: true}
)

// Funcs is an Observer built from optional callbacks. Nil callbacks
// ignore the event
type Funcs struct {
	Out    func(ref ProcessRef, lines []string) error
	Err    func(ref ProcessRef, lines []string) error
	Status func(ref ProcessRef, exitCode int) error
}

func (f Funcs) ReceiveOut(ref ProcessRef, lines []string) error {
	if f.Out == nil {
		return nil
	}
	return f.Out(ref, lines)
}

func (f Funcs) ReceiveErr(ref ProcessRef, lines []string) error {
	if f.Err == nil {
		return nil
	}
	return f.Err(ref, lines)
}

func (f Funcs) ReceiveStatus(ref ProcessRef, exitCode int) error {
	if f.Status == nil {
		return nil
	}
	return f.Status(ref, exitCode)
}

// LogObserver logs every event it receives and never fails
type LogObserver struct {
	log *zap.Logger
}

// NewLogObserver returns an observer writing to l
func NewLogObserver(l *zap.Logger) *LogObserver {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogObserver{log: l}
}

func (o *LogObserver) ReceiveOut(ref ProcessRef, lines []string) error {
	for _, line := range lines {
		o.log.Info(line, zap.String("remote", ref.Remote), zap.String("process", ref.ID), zap.String("stream", "stdout"))
	}
	return nil
}

func (o *LogObserver) ReceiveErr(ref ProcessRef, lines []string) error {
	for _, line := range lines {
		o.log.Warn(line, zap.String("remote", ref.Remote), zap.String("process", ref.ID), zap.String("stream", "stderr"))
	}
	return nil
}

func (o *LogObserver) ReceiveStatus(ref ProcessRef, exitCode int) error {
	o.log.Info("process exited",
		zap.String("remote", ref.Remote),
		zap.String("process", ref.ID),
		zap.Strings("args", ref.Args),
		zap.Int("exitcode", exitCode),
	)
	return nil
}
