package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDesc(name string) Descriptor {
	return Descriptor{
		Name:        name,
		DisplayName: name,
		Transport:   TransportStreamable,
		Endpoint:    "https://" + name + ".example/mcp",
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(validDesc("github"), validDesc("github"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewValidatesTransports(t *testing.T) {
	cases := []struct {
		name string
		desc Descriptor
		ok   bool
	}{
		{"stdio needs command", Descriptor{Name: "a", Transport: TransportStdio}, false},
		{"stdio with command", Descriptor{Name: "a", Transport: TransportStdio, Command: "server"}, true},
		{"sse needs endpoint", Descriptor{Name: "b", Transport: TransportSSE}, false},
		{"unknown transport", Descriptor{Name: "c", Transport: "grpc"}, false},
		{"missing name", Descriptor{Transport: TransportStdio, Command: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.desc)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewValidatesOAuthFields(t *testing.T) {
	d := validDesc("github")
	d.RequiresOAuth = true
	_, err := New(d)
	require.Error(t, err)

	d.AuthorizeURL = "https://auth.example/authorize"
	d.TokenURL = "https://auth.example/token"
	d.ClientID = "client-1"
	_, err = New(d)
	require.NoError(t, err)
}

func TestGetAndHas(t *testing.T) {
	r, err := New(validDesc("github"), validDesc("linear"))
	require.NoError(t, err)

	d, err := r.Get("github")
	require.NoError(t, err)
	assert.Equal(t, "github", d.Name)

	assert.True(t, r.Has("linear"))
	assert.False(t, r.Has("jira"))

	_, err = r.Get("jira")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestAllStableOrder(t *testing.T) {
	r, err := New(validDesc("zulip"), validDesc("asana"), validDesc("linear"))
	require.NoError(t, err)

	var names []string
	for _, d := range r.All() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"asana", "linear", "zulip"}, names)
}

func TestDefaultEnabled(t *testing.T) {
	a := validDesc("asana")
	a.DefaultEnabled = true
	z := validDesc("zulip")
	r, err := New(z, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"asana"}, r.DefaultEnabled())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	content := `
servers:
  - name: github
    displayName: GitHub
    transport: http
    endpoint: https://mcp.github.example/mcp
    requiresOAuth: true
    authorizeUrl: https://auth.github.example/authorize
    tokenUrl: https://auth.github.example/token
    clientId: client-1
    scopes: [repo, read:user]
    defaultEnabled: true
  - name: local-files
    transport: stdio
    command: files-server
    args: ["--root", "/tmp"]
    requiredCredentialKeys: [root_token]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	gh, err := r.Get("github")
	require.NoError(t, err)
	assert.True(t, gh.RequiresOAuth)
	assert.Equal(t, []string{"repo", "read:user"}, gh.Scopes)

	lf, err := r.Get("local-files")
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, lf.Transport)
	assert.True(t, lf.RequiresCredential("root_token"))
	assert.False(t, lf.RequiresCredential("other"))

	assert.Equal(t, []string{"github"}, r.DefaultEnabled())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
