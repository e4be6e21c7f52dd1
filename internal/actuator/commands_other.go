//go:build !linux && !darwin && !windows

package actuator

func platformCommands() commandSet {
	return commandSet{
		name: "unsupported",
		shell: func(command string) []string {
			return []string{"/bin/sh", "-c", command}
		},
	}
}
