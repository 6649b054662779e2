/*
Copyright 2021 The Maxgate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package users

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/linsenhu/maxgate/go/gate/log"
)

// usersQuery reads every user@host the proxy must be able to
// authenticate, together with the per-database grants. A NULL db means
// the grant is global. The service user needs SELECT on mysql.user and
// mysql.db.
const usersQuery = `
SELECT u.user, u.host, u.authentication_string, NULL AS db FROM mysql.user AS u
UNION
SELECT d.user, d.host, u.authentication_string, d.db
  FROM mysql.db AS d JOIN mysql.user AS u ON d.user = u.user AND d.host = u.host
ORDER BY 1, 2, 4`

var (
	reloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maxgate_user_reloads_total",
		Help: "Credential reload attempts by outcome.",
	}, []string{"outcome"})

	tableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maxgate_user_entries",
		Help: "Entries in the active credential table.",
	})
)

// Loader refreshes a Store from a backend server with a privileged
// query. Refresh calls are rate limited so a burst of authentication
// failures cannot hammer the backend.
type Loader struct {
	store *Store
	dsn   string

	// MinInterval is the least time between two reloads.
	MinInterval time.Duration

	mu       sync.Mutex
	lastLoad time.Time
}

// NewLoader creates a loader reading from the server described by the
// go-sql-driver DSN, e.g. "svc:pw@tcp(10.0.0.9:3306)/".
func NewLoader(store *Store, dsn string) *Loader {
	return &Loader{
		store:       store,
		dsn:         dsn,
		MinInterval: 30 * time.Second,
	}
}

// Refresh reloads the credential table unless a reload ran too
// recently. It returns true when a new table was installed.
func (l *Loader) Refresh() (bool, error) {
	l.mu.Lock()
	if since := time.Since(l.lastLoad); since < l.MinInterval {
		l.mu.Unlock()
		log.V(1).Infof("Credential reload suppressed, last one was %v ago", since)
		reloads.WithLabelValues("suppressed").Inc()
		return false, nil
	}
	l.lastLoad = time.Now()
	l.mu.Unlock()

	table, err := l.load()
	if err != nil {
		reloads.WithLabelValues("error").Inc()
		return false, err
	}
	if !l.store.Swap(table) {
		log.V(1).Info("Credential tables not switched, checksum is the same")
		reloads.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	tableSize.Set(float64(table.Len()))
	log.Infof("Loaded %d credential entries", table.Len())
	reloads.WithLabelValues("replaced").Inc()
	return true, nil
}

func (l *Loader) load() (*Table, error) {
	db, err := sql.Open("mysql", l.dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open credential source: %v", err)
	}
	defer db.Close()

	rows, err := db.Query(usersQuery)
	if err != nil {
		return nil, fmt.Errorf("loading users failed: %v", err)
	}
	defer rows.Close()

	table := NewTable()
	sum := sha1.New()
	for rows.Next() {
		var user, host, password string
		var grantDB sql.NullString
		if err := rows.Scan(&user, &host, &password, &grantDB); err != nil {
			return nil, fmt.Errorf("scanning user row failed: %v", err)
		}
		fmt.Fprintf(sum, "%s\x00%s\x00%s\x00%s\x00", user, host, password, grantDB.String)

		key, err := PatternKey(user, host, grantDB.String)
		if err != nil {
			// Hostname patterns and IPv6 are authenticated upstream;
			// only IPv4 patterns live in this table.
			log.V(2).Infof("Skipping credential host pattern: %v", err)
			continue
		}
		stage2, err := decodePasswordHash(password)
		if err != nil {
			log.Warningf("Skipping user %v@%v: %v", user, host, err)
			continue
		}
		table.Add(key, Entry{Stage2: stage2})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading user rows failed: %v", err)
	}
	copy(table.Checksum[:], sum.Sum(nil))
	return table, nil
}

// decodePasswordHash turns the "*6BB4837EB74329105EE4568DDA7DC67ED2CA2AD9"
// form mysql.user stores into the raw stage2 bytes.
func decodePasswordHash(hash string) ([]byte, error) {
	if hash == "" {
		return nil, nil
	}
	hash = strings.TrimPrefix(hash, "*")
	raw, err := hex.DecodeString(hash)
	if err != nil || len(raw) != sha1.Size {
		return nil, fmt.Errorf("password hash %q is not a native-password hash", hash)
	}
	return raw, nil
}
