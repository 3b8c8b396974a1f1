package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	for _, name := range []string{
		"welcome", "onboarding-getting-started", "onboarding-tips", "password-reset",
		"marketing-announcement", "marketing-reminder", "marketing-last-chance", "test-email",
	} {
		_, ok := r.Get(name)
		assert.True(t, ok, "missing default template %s", name)
	}
}

func TestValidate(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	assert.NoError(t, r.Validate("welcome", map[string]any{"firstName": "Ada"}))
	assert.ErrorContains(t, r.Validate("welcome", map[string]any{}), `requires variable "firstName"`)
	assert.ErrorContains(t, r.Validate("welcome", map[string]any{"firstName": ""}), "firstName")
	assert.ErrorContains(t, r.Validate("nope", nil), "not registered")
	assert.NoError(t, r.Validate("test-email", nil))
}

func TestRender(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	out, err := r.Render("welcome", map[string]any{"firstName": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome to PulseFlow, Ada!", out.Subject)
	assert.Contains(t, out.HTML, "Welcome, Ada!")
	assert.Contains(t, out.Text, "Welcome, Ada!")

	// second render goes through the parsed-template cache
	out, err = r.Render("welcome", map[string]any{"firstName": "Grace", "appName": "Console"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome to Console, Grace!", out.Subject)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - name: digest
    subject: "Digest for {{ week }}"
    required: [week]
    html: "<p>{{ week }}</p>"
    text: "{{ week }}"
`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"digest"}, r.Names())

	out, err := r.Render("digest", map[string]any{"week": "W12"})
	require.NoError(t, err)
	assert.Equal(t, "Digest for W12", out.Subject)
}

func TestRegisterRejectsBrokenTemplate(t *testing.T) {
	r, err := Parse([]byte("templates: []"))
	require.NoError(t, err)

	err = r.Register(Template{Name: "broken", Subject: "{% if %}"})
	assert.Error(t, err)

	err = r.Register(Template{Name: " "})
	assert.Error(t, err)
}
