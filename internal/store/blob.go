package store

import (
	"database/sql"
	"strings"

	"github.com/tmbx/kwm/internal/apperrors"
)

// BlobCache is the narrow write-through accelerator interface the
// Facade optionally sits in front of (§4.9 domain stack: "optional
// write-through cache in front of the blob store... mirroring the
// reference's cache-aside cache.Cache with a graceful disabled mode
// when unconfigured"). internal/store/cache.go's RedisCache is the one
// concrete implementation; nil disables it entirely.
type BlobCache interface {
	Get(name string) ([]byte, bool)
	Set(name string, data []byte)
	Delete(name string)
}

// PutBlob implements internal/manager.Store: write name's data within
// the current long-running transaction and refresh the cache.
func (f *Facade) PutBlob(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.tx.Exec(
		`INSERT INTO blobs (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, data, nowUnix(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to write blob", err)
	}
	if f.cache != nil {
		f.cache.Set(name, data)
	}
	return nil
}

// GetBlob implements internal/manager.Store, checking the optional
// cache before falling back to SQLite.
func (f *Facade) GetBlob(name string) ([]byte, bool, error) {
	if f.cache != nil {
		if data, ok := f.cache.Get(name); ok {
			return data, true, nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var data []byte
	err := f.tx.QueryRow(`SELECT data FROM blobs WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.KindInternal, "", "failed to read blob", err)
	}
	if f.cache != nil {
		f.cache.Set(name, data)
	}
	return data, true, nil
}

// ListBlobKeys returns every blob name starting with prefix, used by
// internal/manager.RestoreWorkspaces to enumerate "workspace/*"
// snapshots without needing to have recorded them anywhere else.
func (f *Facade) ListBlobKeys(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.tx.Query(`SELECT name FROM blobs WHERE name LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "", "failed to list blob keys", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "", "failed to scan blob key", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteBlob implements internal/manager.Store.
func (f *Facade) DeleteBlob(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.tx.Exec(`DELETE FROM blobs WHERE name = ?`, name); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to delete blob", err)
	}
	if f.cache != nil {
		f.cache.Delete(name)
	}
	return nil
}
