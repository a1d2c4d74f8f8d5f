package coremain

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/hostcache/pkg/cache_persist"
	"github.com/pmkol/hostcache/pkg/value"
)

func writeFile(t *testing.T, dir, name, s string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(s), 0o644))
	return p
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	sub := writeFile(t, dir, "sub.yaml", `
resolver:
  upstreams: ["1.1.1.1"]
server:
  listeners:
    - addr: 127.0.0.1:5353
  acl: ["10.0.0.0/8"]
`)
	main := writeFile(t, dir, "config.yaml", `
log:
  level: debug
include: ["`+sub+`"]
cache:
  max_entries: "500"
  persist:
    file: /tmp/hostcache.snap
    delay: 30
resolver:
  upstreams: ["8.8.8.8", "tcp://9.9.9.9"]
  serve_stale: true
  min_ttl: 10
server:
  listeners:
    - protocol: tcp
      addr: 127.0.0.1:5353
  stale_reply_ttl: 3
netwatch:
  interval: -1
api:
  http: 127.0.0.1:8080
`)

	cfg, used, err := loadConfig(main)
	require.NoError(t, err)
	assert.Equal(t, main, used)
	require.NoError(t, mergeInclude(cfg, 0, []string{used}))

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, 30, cfg.Cache.Persist.Delay)
	assert.Equal(t, []string{"1.1.1.1", "8.8.8.8", "tcp://9.9.9.9"}, cfg.Resolver.Upstreams)
	assert.True(t, cfg.Resolver.ServeStale)
	assert.Equal(t, uint32(10), cfg.Resolver.MinTTL)
	require.Len(t, cfg.Server.Listeners, 2)
	assert.Equal(t, "", cfg.Server.Listeners[0].Protocol)
	assert.Equal(t, "tcp", cfg.Server.Listeners[1].Protocol)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.ACL)
	assert.Equal(t, uint32(3), cfg.Server.StaleReplyTTL)
	assert.Equal(t, -1, cfg.Netwatch.Interval)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.HTTP)
}

func TestLoadConfig_unknownKey(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", "cache:\n  max_entry: 1\n")
	_, _, err := loadConfig(p)
	assert.Error(t, err)
}

func TestMergeInclude_loop(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeFile(t, dir, "config.yaml", `include: ["`+p+`"]`)
	cfg, used, err := loadConfig(p)
	require.NoError(t, err)
	assert.Error(t, mergeInclude(cfg, 0, []string{used}))
}

func TestNewStore(t *testing.T) {
	s, err := newStore(&PersistConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = newStore(&PersistConfig{File: "x.snap"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &cache_persist.FileStore{}, s)

	_, err = newStore(&PersistConfig{Redis: "://bad"}, nil)
	assert.Error(t, err)
}

func TestDumpSnapshot(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cache.snap")
	d := value.Dict{}
	d.SetString("hostname", "example.com")
	d.SetInt("dns_query_type", 1)
	l := value.List{value.NewDict(d)}
	require.NoError(t, cache_persist.NewFileStore(p).Save(context.Background(), l))

	buf := new(bytes.Buffer)
	require.NoError(t, dumpSnapshot(context.Background(), &dumpFlags{file: p, format: "json"}, buf))
	assert.Contains(t, buf.String(), `"hostname": "example.com"`)

	buf.Reset()
	require.NoError(t, dumpSnapshot(context.Background(), &dumpFlags{file: p, format: "yaml"}, buf))
	assert.Contains(t, buf.String(), "hostname: example.com")
	assert.Contains(t, buf.String(), "dns_query_type: 1")

	assert.Error(t, dumpSnapshot(context.Background(), &dumpFlags{file: p, format: "xml"}, buf))
	assert.ErrorIs(t, dumpSnapshot(context.Background(), &dumpFlags{file: p + ".missing", format: "json"}, buf), os.ErrNotExist)
}
