package forge

import "github.com/forgeworks/forge/digest"

// SpawnAction runs a tool subprocess: the workhorse variant that backs
// compiles, links, and test runs.
type SpawnAction struct {
	Base
	Argv      []string
	Env       map[string]string
	ClientEnv []string // names only; values come from the invoking shell
	WorkDir   string   // exec-root-relative
}

// NewSpawnAction constructs a SpawnAction and validates the non-empty-output
// invariant every variant shares.
func NewSpawnAction(owner ActionOwner, mnemonic string, tools, inputs, outputs []Artifact, argv []string, env map[string]string, clientEnv []string, resources ResourceSet, progress string) (*SpawnAction, error) {
	a := &SpawnAction{
		Base: Base{
			OwnerV: owner, MnemonicV: mnemonic, ToolsV: tools, InputsV: inputs,
			OutputsV: outputs, ResourcesV: resources, ProgressMessageV: progress,
		},
		Argv: argv, Env: env, ClientEnv: clientEnv,
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	a.extend = func(b *digest.Builder) {
		for _, arg := range argv {
			b.AddString(arg)
		}
		for _, k := range sortedKeys(env) {
			b.AddString(k).AddString(env[k])
		}
		for _, n := range clientEnv {
			b.AddString(n)
		}
		b.AddString(itoaResources(resources))
	}
	return a, nil
}

func (a *SpawnAction) Kind() Kind { return KindSpawn }
func (a *SpawnAction) Describe() string {
	return "Spawn " + a.MnemonicV + " " + string(a.OwnerV.Label)
}

// FileWriteAction materializes a single output file from a literal,
// in-memory payload (generated manifests, version stamps, ...).
type FileWriteAction struct {
	Base
	Content    []byte
	Executable bool
}

func NewFileWriteAction(owner ActionOwner, mnemonic string, output Artifact, content []byte, executable bool) (*FileWriteAction, error) {
	a := &FileWriteAction{
		Base: Base{OwnerV: owner, MnemonicV: mnemonic, OutputsV: []Artifact{output}},
		Content: content, Executable: executable,
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	a.extend = func(b *digest.Builder) {
		b.AddDigest(digest.FromBytes(content))
		if executable {
			b.AddString("x")
		}
	}
	return a, nil
}

func (a *FileWriteAction) Kind() Kind { return KindFileWrite }
func (a *FileWriteAction) Describe() string {
	return "FileWrite " + a.OutputsV[0].ExecPath()
}

// SymlinkAction points one output at another artifact's location without
// copying bytes.
type SymlinkAction struct {
	Base
	Target Artifact
}

func NewSymlinkAction(owner ActionOwner, mnemonic string, output, target Artifact) (*SymlinkAction, error) {
	a := &SymlinkAction{
		Base:   Base{OwnerV: owner, MnemonicV: mnemonic, InputsV: []Artifact{target}, OutputsV: []Artifact{output}},
		Target: target,
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	a.extend = func(b *digest.Builder) { b.AddString(target.ExecPath()) }
	return a, nil
}

func (a *SymlinkAction) Kind() Kind { return KindSymlink }
func (a *SymlinkAction) Describe() string {
	return "Symlink " + a.OutputsV[0].ExecPath() + " -> " + a.Target.ExecPath()
}

// TemplateAction expands a text template against a fixed substitution map,
// grounded on the same "generated text file" shape as FileWriteAction but
// keyed on the template body and substitutions rather than final bytes, so
// two actions that render to the same output through different template
// sources are never mistaken for cache hits of one another.
type TemplateAction struct {
	Base
	TemplateText  string
	Substitutions map[string]string
	Executable    bool
}

func NewTemplateAction(owner ActionOwner, mnemonic string, output Artifact, templateText string, substitutions map[string]string, executable bool) (*TemplateAction, error) {
	a := &TemplateAction{
		Base:          Base{OwnerV: owner, MnemonicV: mnemonic, OutputsV: []Artifact{output}},
		TemplateText:  templateText,
		Substitutions: substitutions,
		Executable:    executable,
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	a.extend = func(b *digest.Builder) {
		b.AddString(templateText)
		for _, k := range sortedKeys(substitutions) {
			b.AddString(k).AddString(substitutions[k])
		}
		if executable {
			b.AddString("x")
		}
	}
	return a, nil
}

func (a *TemplateAction) Kind() Kind { return KindTemplate }
func (a *TemplateAction) Describe() string {
	return "Template " + a.OutputsV[0].ExecPath()
}

// ParameterFileAction writes an argument list to a file for a subsequent
// action to read with "@file" expansion, so a command line that would
// exceed the host argv length limit can still be passed to a tool.
type ParameterFileAction struct {
	Base
	Lines []string
}

func NewParameterFileAction(owner ActionOwner, mnemonic string, inputs []Artifact, output Artifact, lines []string) (*ParameterFileAction, error) {
	a := &ParameterFileAction{
		Base:  Base{OwnerV: owner, MnemonicV: mnemonic, InputsV: inputs, OutputsV: []Artifact{output}},
		Lines: lines,
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	a.extend = func(b *digest.Builder) {
		for _, l := range lines {
			b.AddString(l)
		}
	}
	return a, nil
}

func (a *ParameterFileAction) Kind() Kind { return KindParameterFile }
func (a *ParameterFileAction) Describe() string {
	return "ParameterFile " + a.OutputsV[0].ExecPath()
}

// LTOBackendAction compiles one bitcode partition produced by an earlier
// whole-program analysis step. Its import list is not known until that
// analysis has run, so it implements InputDiscoverer instead of declaring a
// final Inputs() at construction time.
type LTOBackendAction struct {
	Base
	Argv           []string
	IndexFile      Artifact // output of the whole-program analysis step
	importsOnce    bool
	resolvedImport []string
}

func NewLTOBackendAction(owner ActionOwner, mnemonic string, tools []Artifact, indexFile, output Artifact, argv []string, resources ResourceSet) (*LTOBackendAction, error) {
	a := &LTOBackendAction{
		Base: Base{
			OwnerV: owner, MnemonicV: mnemonic, ToolsV: tools,
			InputsV: []Artifact{indexFile}, OutputsV: []Artifact{output},
			DiscoversInputsV: true, ResourcesV: resources,
		},
		Argv:      argv,
		IndexFile: indexFile,
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	a.extend = func(b *digest.Builder) {
		for _, arg := range argv {
			b.AddString(arg)
		}
	}
	return a, nil
}

func (a *LTOBackendAction) Kind() Kind { return KindLTOBackend }
func (a *LTOBackendAction) Describe() string {
	return "LTOBackend " + a.OutputsV[0].ExecPath()
}

// DiscoverInputs resolves each import exec-path recorded by
// SetDiscoveredImports to its interned Artifact via the supplied lookup
// and expands InputsV in place (index file first) exactly once. It does
// not read the index file itself.
func (a *LTOBackendAction) DiscoverInputs(lookup func(execPath string) (Artifact, bool)) ([]Artifact, error) {
	if a.importsOnce {
		return a.InputsV, nil
	}
	discovered := make([]Artifact, 0, len(a.resolvedImport)+1)
	discovered = append(discovered, a.IndexFile)
	for _, execPath := range a.resolvedImport {
		art, ok := lookup(execPath)
		if !ok {
			return nil, errUndeclaredDiscoveredInput(execPath)
		}
		discovered = append(discovered, art)
	}
	a.InputsV = discovered
	a.importsOnce = true
	return a.InputsV, nil
}

// SetDiscoveredImports records the import exec-paths listed in the LTO
// index file, as parsed by the caller; separated from DiscoverInputs so a
// dry run can inspect the planned import list before resolving it against
// the artifact factory.
func (a *LTOBackendAction) SetDiscoveredImports(execPaths []string) { a.resolvedImport = execPaths }

// MiddlemanAction has no outputs of its own content: it exists purely to
// aggregate a set of inputs behind a single dependency edge, most often a test or package target
// that depends on many generated files without wanting each one named
// individually by its dependents.
type MiddlemanAction struct {
	Base
}

func NewMiddlemanAction(owner ActionOwner, mnemonic string, inputs []Artifact, output Artifact) (*MiddlemanAction, error) {
	a := &MiddlemanAction{
		Base: Base{OwnerV: owner, MnemonicV: mnemonic, InputsV: inputs, OutputsV: []Artifact{output}},
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *MiddlemanAction) Kind() Kind { return KindMiddleman }
func (a *MiddlemanAction) Describe() string {
	return "Middleman " + a.OutputsV[0].ExecPath()
}
