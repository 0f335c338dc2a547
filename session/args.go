package session

const (
	envScript      = "UIASCRIPT"
	envResultsPath = "UIARESULTSPATH"
)

// buildArgs returns the tool's argument list. extra is appended verbatim.
func buildArgs(udid, template, appPath, scriptPath, resultsDir string, extra []string) []string {
	var args []string
	if udid != "" {
		args = append(args, "-w", udid)
	}
	args = append(args,
		"-t", template,
		appPath,
		"-e", envScript, scriptPath,
		"-e", envResultsPath, resultsDir,
	)
	return append(args, extra...)
}
