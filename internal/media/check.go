package media

import (
	"fmt"
	"os/exec"
	"strings"
)

// Status reports whether an external binary can be executed.
type Status struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// CheckBinaries resolves the ffmpeg and ffprobe commands on PATH.
func CheckBinaries(ffmpegPath, ffprobePath string) []Status {
	return []Status{
		checkBinary("ffmpeg", ffmpegPath),
		checkBinary("ffprobe", ffprobePath),
	}
}

func checkBinary(name, command string) Status {
	command = strings.TrimSpace(command)
	if command == "" {
		command = name
	}
	st := Status{Name: name, Command: command}
	resolved, err := exec.LookPath(command)
	if err != nil {
		st.Detail = fmt.Sprintf("binary %q not found", command)
		return st
	}
	st.Command = resolved
	st.Available = true
	return st
}
