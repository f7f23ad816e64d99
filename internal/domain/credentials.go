package domain

// Credentials authenticate a streaming session. Immutable once supplied;
// the secret must never appear in logs or serialized diagnostics.
type Credentials struct {
	AccountID    string
	AccessID     string
	AccessSecret string
	Region       string
}

// Redacted returns a copy safe for logging.
func (c Credentials) Redacted() Credentials {
	c.AccessSecret = "***"
	return c
}

// SessionParams describe one recognition session. Immutable per session.
type SessionParams struct {
	EngineModel    string
	VoiceFormat    int
	SampleRate     int
	NeedVAD        bool
	FilterDirty    bool
	FilterModal    bool
	FilterPunc     bool
	ConvertNumMode int
	HotwordID      string
	FilterEmpty    bool
	VADSilenceMs   int
}

// DefaultSessionParams matches the backend's 16kHz PCM defaults.
func DefaultSessionParams() SessionParams {
	return SessionParams{
		EngineModel:    "16k_zh",
		VoiceFormat:    1,
		SampleRate:     16000,
		NeedVAD:        true,
		ConvertNumMode: 1,
		VADSilenceMs:   1000,
	}
}
