package device

import "go.uber.org/zap"

// System is the hardware provider: malgo for capture and named outputs,
// oto for the default output.
type System struct {
	malgo  *Malgo
	logger *zap.Logger
}

// NewSystem initializes the hardware backends.
func NewSystem(logger *zap.Logger) (*System, error) {
	m, err := NewMalgo(logger)
	if err != nil {
		return nil, err
	}
	return &System{malgo: m, logger: logger.With(zap.String("component", "devices"))}, nil
}

// OpenInput opens a capture stream.
func (s *System) OpenInput(id string) (Input, error) {
	return s.malgo.OpenInput(id)
}

// OpenOutput opens a playback stream. The default output goes through oto;
// explicitly selected devices go through malgo.
func (s *System) OpenOutput(id string) (Output, error) {
	if isDefault(id) {
		out, err := OpenOto()
		if err == nil {
			return out, nil
		}
		s.logger.Warn("oto unavailable, falling back to malgo playback", zap.Error(err))
	}
	return s.malgo.OpenOutput(id)
}

// Devices lists every capture and playback device.
func (s *System) Devices() ([]Info, error) {
	return s.malgo.Devices()
}

// Close releases the malgo context.
func (s *System) Close() error {
	return s.malgo.Close()
}
