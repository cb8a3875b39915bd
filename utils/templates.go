package utils

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/CloudyKit/jet"
)

func newTemplateSet(dirs ...string) *jet.Set {
	return jet.NewSet(jet.SafeWriter(func(w io.Writer, b []byte) {
		w.Write(b)
	}), dirs...)
}

// ExecuteWriteTemplateFile renders a template file found under
// DataDir/templates (or an absolute path) with data as context.
func ExecuteWriteTemplateFile(w io.Writer, data interface{}, templateFile string) error {
	dir := filepath.Join(DataDir, "templates")
	name := templateFile
	if filepath.IsAbs(templateFile) {
		dir = filepath.Dir(templateFile)
		name = filepath.Base(templateFile)
	}

	set := newTemplateSet(dir)
	tmpl, err := set.GetTemplate(name)
	if err != nil {
		return fmt.Errorf("template %s: %v", templateFile, err)
	}
	return tmpl.Execute(w, make(jet.VarMap), data)
}

// ExecuteWriteTemplate renders a template given as text.
func ExecuteWriteTemplate(w io.Writer, data interface{}, name, content string) error {
	set := newTemplateSet()
	tmpl, err := set.LoadTemplate(name, content)
	if err != nil {
		return fmt.Errorf("template %s: %v", name, err)
	}
	return tmpl.Execute(w, make(jet.VarMap), data)
}
