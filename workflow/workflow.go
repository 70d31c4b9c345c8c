// Package workflow describes the asset processing pipeline.
package workflow

// Kind is the resource class a step runs on.
type Kind string

const (
	CPU Kind = "cpu"
	GPU Kind = "gpu"
)

// Step is one stage of the pipeline. Next is nil for the last stage.
type Step struct {
	Name string
	Kind Kind
	Next *Step
}

var (
	Export   = &Step{Name: "export", Kind: CPU}
	Decimate = &Step{Name: "decimate", Kind: GPU, Next: Export}
	Tag      = &Step{Name: "tag", Kind: CPU, Next: Decimate}
	Import   = &Step{Name: "import", Kind: CPU, Next: Tag}
)

// Initial is where a new asset enters the pipeline.
var Initial = Import

// Path lists the step names from s to the end of the pipeline.
func Path(s *Step) []string {
	var path []string
	for cur := s; cur != nil; cur = cur.Next {
		path = append(path, cur.Name)
	}
	return path
}

// Lookup finds a step by name.
func Lookup(name string) (*Step, bool) {
	for cur := Initial; cur != nil; cur = cur.Next {
		if cur.Name == name {
			return cur, true
		}
	}
	return nil, false
}

// After returns the step following the named one. done reports that name was
// the last step.
func After(name string) (next *Step, done bool, ok bool) {
	s, ok := Lookup(name)
	if !ok {
		return nil, false, false
	}
	return s.Next, s.Next == nil, true
}
