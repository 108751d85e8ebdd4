package main

// TestCmd builds and runs the actions for the given target patterns,
// the same driving logic as BuildCmd: a
// test target is, to the scheduler, simply an action whose mnemonic the
// build file's author already tagged as a test runner. This engine does
// not distinguish test actions from build actions at execution time;
// that distinction belongs to the rule-evaluation front end.
type TestCmd struct {
	BuildFile string   `default:"build.json" placeholder:"<path>" help:"serialized action description (see buildfile package)"`
	ExecRoot  string   `default:"." placeholder:"<dir>" help:"execution root every action's inputs/outputs resolve against"`
	Patterns  []string `arg:"" help:"target patterns to test, e.g. //app:unit_test"`
}

func (c *TestCmd) Run(cctx *Context) error {
	res, err := runPatterns(cctx, c.BuildFile, c.ExecRoot, c.Patterns)
	if err != nil {
		return err
	}
	return reportResult(res)
}
