package role

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eniac111/manifold/internal/task"
)

func writeRole(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	rolesDir := t.TempDir()
	for rel, body := range files {
		full := filepath.Join(rolesDir, name, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
	}
	return rolesDir
}

func TestLoadFullRole(t *testing.T) {
	rolesDir := writeRole(t, "webserver", map[string]string{
		"tasks.yaml": `
- name: install nginx
  package:
    name: nginx
  notify: restart nginx
- name: deploy index
  template:
    src: index.html.tmpl
    dest: /var/www/html/index.html
`,
		"handlers.yaml": `
- name: restart nginx
  service:
    name: nginx
    state: restarted
`,
		"defaults.yaml":             "nginx_port: 80\nwelcome_message: Hello\n",
		"templates/index.html.tmpl": "<h1>{{ welcome_message }}</h1>\n",
	})

	r, err := Load(rolesDir, "webserver")
	require.NoError(t, err)
	require.Len(t, r.Tasks, 2)
	require.Len(t, r.Handlers, 1)
	require.Equal(t, 80, r.Defaults["nginx_port"])

	h := r.Handler("restart nginx")
	require.NotNil(t, h)
	require.Equal(t, task.KindService, h.Kind())
	require.Nil(t, r.Handler("no such handler"))

	data, err := os.ReadFile(r.TemplatePath("index.html.tmpl"))
	require.NoError(t, err)
	require.Contains(t, string(data), "{{ welcome_message }}")
}

func TestLoadMinimalRole(t *testing.T) {
	rolesDir := writeRole(t, "bare", map[string]string{
		"tasks.yaml": `
- name: conf dir
  directory:
    path: /etc/bare
`,
	})

	r, err := Load(rolesDir, "bare")
	require.NoError(t, err)
	require.Len(t, r.Tasks, 1)
	require.Empty(t, r.Handlers)
	require.Empty(t, r.Defaults)
}

func TestLoadMissingRole(t *testing.T) {
	_, err := Load(t.TempDir(), "ghost")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "ghost", notFound.Name)
}

func TestLoadRoleWithoutTaskList(t *testing.T) {
	rolesDir := writeRole(t, "empty", map[string]string{
		"defaults.yaml": "x: 1\n",
	})
	_, err := Load(rolesDir, "empty")
	require.Error(t, err)
}

func TestLoaderCaches(t *testing.T) {
	rolesDir := writeRole(t, "webserver", map[string]string{
		"tasks.yaml": "- name: t\n  directory:\n    path: /srv\n",
	})

	l := NewLoader(rolesDir)
	first, err := l.Get("webserver")
	require.NoError(t, err)
	again, err := l.Get("webserver")
	require.NoError(t, err)
	require.Same(t, first, again)
}
