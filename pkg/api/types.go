package api

// Deploy is the on-disk description of the operations a run declares.
type Deploy struct {
	Operations []OperationSpec `json:"operations" yaml:"operations"`
}

type OperationSpec struct {
	Name string `json:"name" yaml:"name"`
	// Hosts limits the operation to these inventory names. Empty means all.
	Hosts        []string   `json:"hosts,omitempty" yaml:"hosts"`
	Sudo         bool       `json:"sudo,omitempty" yaml:"sudo"`
	SudoUser     string     `json:"sudo_user,omitempty" yaml:"sudo_user"`
	IgnoreErrors bool       `json:"ignore_errors,omitempty" yaml:"ignore_errors"`
	Commands     []string   `json:"commands,omitempty" yaml:"commands"`
	Files        []FileSpec `json:"files,omitempty" yaml:"files"`
}

// FileSpec is uploaded to the run's temp path for DestKey. When Dest is set
// the file is moved there afterwards. Source names a local file to read
// instead of inline Content.
type FileSpec struct {
	DestKey string `json:"dest_key" yaml:"dest_key"`
	Dest    string `json:"dest,omitempty" yaml:"dest"`
	Content string `json:"content,omitempty" yaml:"content"`
	Source  string `json:"source,omitempty" yaml:"source"`
	Mode    string `json:"mode,omitempty" yaml:"mode"`
}

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type HostSummary struct {
	Name       string `json:"name"`
	Ops        int    `json:"ops"`
	SuccessOps int    `json:"success_ops"`
	ErrorOps   int    `json:"error_ops"`
	Commands   int    `json:"commands"`
	Failed     bool   `json:"failed"`
}

type RunSummary struct {
	RunID    string        `json:"run_id"`
	Status   RunStatus     `json:"status"`
	Parallel int           `json:"parallel"`
	OpOrder  []string      `json:"op_order"`
	Hosts    []HostSummary `json:"hosts"`
	Elapsed  string        `json:"elapsed"`
}
