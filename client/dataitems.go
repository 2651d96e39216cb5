package client

// There may be other DataOutput types.  We definitely need a text type

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Text      string `json:"-"` // for "text" type data output
}

// IsFile reports whether the output references a file that /view can serve
func (d DataOutput) IsFile() bool {
	return d.Filename != "" && (d.Type == "output" || d.Type == "temp" || d.Type == "input")
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version,omitempty"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

type QueueExecInfo struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// HistoryItem is one entry of GET /history/{prompt_id}
type HistoryItem struct {
	Outputs map[string]HistoryOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

type HistoryOutput struct {
	Images []DataOutput `json:"images"`
	Gifs   []DataOutput `json:"gifs"`
}

// Artifact is one output file downloaded from the server
type Artifact struct {
	NodeID      string
	Filename    string
	ContentType string
	Data        []byte
}

type PromptErrorMessage struct {
	Error      PromptErrorDetail      `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

type PromptErrorDetail struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}
