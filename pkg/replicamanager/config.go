package replicamanager

// Config carries the manager's tunables (§6 "Configuration knobs"). New
// fills in MaxWriteRPCsInFlight and PowerOfKChoices from their documented
// defaults when left at zero; NumReplicas and MaxWritePayloadBytes are used
// as given, and a zero MaxWritePayloadBytes means unlimited.
type Config struct {
	NumReplicas int `help:"number of replicas per segment, including the primary" releaseDefault:"3" devDefault:"0"`

	MaxWriteRPCsInFlight int `help:"admission cap on concurrent write RPCs across all segments of this master" default:"32"`
	MaxWritePayloadBytes int `help:"largest chunk written to a backup per write RPC; 0 means unlimited" default:"1048576"`
	PowerOfKChoices      int `help:"candidates sampled per primary placement decision" default:"5"`
}

func (c Config) withDefaults() Config {
	if c.MaxWriteRPCsInFlight <= 0 {
		c.MaxWriteRPCsInFlight = 32
	}
	if c.PowerOfKChoices <= 0 {
		c.PowerOfKChoices = 5
	}
	return c
}
