package factory

import (
	"fmt"

	"poolmachine/poolmachine"
)

// Template is a named bundle of defaults applied at pool creation.
type Template struct {
	Name              string
	Description       string
	RiskTier          poolmachine.RiskTier
	ApprovalMethod    poolmachine.ApprovalMethod
	ApprovalThreshold int64
	Active            bool
}

// AddTemplate stores a new active template. Adding a name that exists changes nothing and
// reports false.
func (f *Factory) AddTemplate(caller poolmachine.Account, t Template) (bool, error) {
	if err := f.admin(caller); err != nil {
		return false, err
	}
	if t.Name == "" || !t.ApprovalMethod.Valid() || !t.RiskTier.Valid() {
		return false, poolmachine.ErrInvalidConfig.With("template %q is incomplete", t.Name)
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, exists := f.templates[t.Name]; exists {
		return false, nil
	}
	t.Active = true
	f.templates[t.Name] = &t
	f.templateOrder = append(f.templateOrder, t.Name)
	poolmachine.LogCLI(fmt.Sprintf("template %s added", t.Name), 4)
	return true, nil
}

// DeactivateTemplate stops new pools from using a template. Deactivating twice reports false.
func (f *Factory) DeactivateTemplate(caller poolmachine.Account, name string) (bool, error) {
	if err := f.admin(caller); err != nil {
		return false, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	t, ok := f.templates[name]
	if !ok {
		return false, poolmachine.ErrUnknownTemplate.With("%s", name)
	}
	if !t.Active {
		return false, nil
	}
	t.Active = false
	return true, nil
}

func (f *Factory) Templates() (out []Template) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, name := range f.templateOrder {
		out = append(out, *f.templates[name])
	}
	return
}

func (f *Factory) template(name string) (Template, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	t, ok := f.templates[name]
	if !ok || !t.Active {
		return Template{}, poolmachine.ErrUnknownTemplate.With("%q is not an active template", name)
	}
	return *t, nil
}
