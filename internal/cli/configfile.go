package cli

import (
	"os"
	"path/filepath"
	"strings"

	"hlsget/internal/logger"
	"hlsget/internal/workdir"
)

const configTemplate = `# You may configure default options here so that you don't need to
# specify the same options on the command line every time.
#
# Each option, along with its argument (if any), should be on a separate
# line; unlike on the command line, you don't need to quote or escape
# whitespace or other special characters in an argument, e.g., a line
#
#     --workdir Temporary Directory
#
# is interpreted as two command line arguments "--workdir" and
# "Temporary Directory".
#
# Positional arguments are not allowed, i.e., option lines must begin
# with -.
#
# Blank lines and lines starting with a pound (#) are ignored.
#
# You can always override the default options here on the command line.
#
# Examples:
#
#     --jobs 32
#     --concat-method concat_protocol
`

// loadConfigArgs reads the user config file into an argument list that is
// prepended to the real command line, so one flag table serves both sources
// and the command line wins. A missing file is created from the template;
// any I/O trouble degrades to an empty list.
func loadConfigArgs(path string, log logger.Logger) []string {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if writeErr := writeTemplate(path); writeErr != nil {
			log.Warnf("could not create config file %s: %v", path, writeErr)
		}
		return nil
	}
	if err != nil {
		log.Warnf("error loading user config: %v", err)
		return nil
	}

	var args []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "-") {
			log.Warnf("illegal line in config file %q: %s", path, line)
			continue
		}
		name := strings.Fields(line)[0]
		args = append(args, name)
		// The rest of the line is one raw argument, whitespace and all.
		if rest := strings.TrimSpace(line[len(name):]); rest != "" {
			args = append(args, rest)
		}
	}
	return args
}

func writeTemplate(path string) error {
	if err := workdir.Mkdir(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(configTemplate), 0o644)
}
