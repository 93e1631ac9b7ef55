package telemetry

type ActionCategory int

const (
	Fuzzing ActionCategory = iota
	Replay
	Minimization
	Reporting
	SeedImport
)

func (a ActionCategory) String() string {
	switch a {
	case Fuzzing:
		return "fuzzing"
	case Replay:
		return "replay"
	case Minimization:
		return "minimization"
	case Reporting:
		return "reporting"
	case SeedImport:
		return "seed_import"
	default:
		return "unknown"
	}
}
