package domain

// StageKind — тип stage pipeline.
//
// Набор фиксированный: каждому kind соответствует ровно один executor
// в таблице stage.Registry.
type StageKind string

const (
	StageQC       StageKind = "qc"
	StageMapping  StageKind = "mapping"
	StageAssembly StageKind = "assembly"
	StageVariants StageKind = "variants"
	StageLineage  StageKind = "lineage"
	StageReport   StageKind = "report"
)

// AllStageKinds — все известные stage kinds в каноническом порядке.
var AllStageKinds = []StageKind{
	StageQC,
	StageMapping,
	StageAssembly,
	StageVariants,
	StageLineage,
	StageReport,
}

// Valid проверяет, что kind известен.
func (k StageKind) Valid() bool {
	for _, known := range AllStageKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Label возвращает человеко-читаемое название stage.
func (k StageKind) Label() string {
	switch k {
	case StageQC:
		return "quality control"
	case StageMapping:
		return "mapping"
	case StageAssembly:
		return "assembly"
	case StageVariants:
		return "variant calling"
	case StageLineage:
		return "lineage assignment"
	case StageReport:
		return "report"
	default:
		return string(k)
	}
}

// Mode — режим секвенирования run.
type Mode string

const (
	ModeAmplicon Mode = "amplicon"
	ModeShotgun  Mode = "shotgun"
)

// Valid проверяет, что режим известен.
func (m Mode) Valid() bool {
	return m == ModeAmplicon || m == ModeShotgun
}
