package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(files, "sql/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, n := range names {
		base := strings.TrimPrefix(n, "sql/")
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			ups[strings.TrimSuffix(base, ".up.sql")] = true
		case strings.HasSuffix(base, ".down.sql"):
			downs[strings.TrimSuffix(base, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", n)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestSourceReadsVersions(t *testing.T) {
	src, err := iofs.New(files, "sql")
	require.NoError(t, err)
	defer src.Close()

	v, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	seen := []uint{v}
	for {
		next, err := src.Next(v)
		if err != nil {
			break
		}
		seen = append(seen, next)
		v = next
	}
	assert.Equal(t, []uint{1, 2, 3}, seen)
}

func TestOpenCallIndexMatchesRepository(t *testing.T) {
	b, err := files.ReadFile("sql/000002_scheduled_calls.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(b), "scheduled_calls_open_practice_idx")
	assert.Contains(t, string(b), "WHERE status IN ('scheduled','in_progress','frozen')")
}
