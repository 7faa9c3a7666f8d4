package service

// Artifact names inside a job directory.
const (
	OwnerFile    = "user.json"
	OptionsFile  = "options.json"
	ReportText   = "report.txt"
	ReportJSON   = "report.json"
	NamesFile    = "highway_names.csv"
	TasksDir     = "tasks"
	RegistryFile = "fixmes.json"
	ChatFile     = "chat.json"
	PreviousDir  = "previous"
	PendingFile  = "postrun.json"

	itemSuffix = ".osm.gz"
)

// Layout holds the engine-specific artifact settings.
type Layout struct {
	LogFile     string
	ErrorMarker string
}

// DefaultLayout matches the catatom2osm engine.
func DefaultLayout() Layout {
	return Layout{LogFile: "catatom2osm.log", ErrorMarker: "ERROR"}
}

func (l Layout) withDefaults() Layout {
	def := DefaultLayout()
	if l.LogFile == "" {
		l.LogFile = def.LogFile
	}
	if l.ErrorMarker == "" {
		l.ErrorMarker = def.ErrorMarker
	}
	return l
}

// resultsDir is the directory whose presence marks a finished job.
func resultsDir(split string) []string {
	if split == "" {
		return []string{TasksDir}
	}
	return []string{TasksDir, split}
}
