package enginetest

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is a scripted session declared in YAML. Each statement entry
// queues one response, in file order, for its SQL text:
//
//	statements:
//	  - sql: SELECT ID, NAME FROM USERS
//	    rows:
//	      columns: [ID, NAME]
//	      values:
//	        - [1, alice]
//	        - [2, bob]
//	  - sql: INSERT INTO USERS(NAME) VALUES(?)
//	    update: 1
//	    keys:
//	      columns: [ID]
//	      values: [[3]]
//	  - sql: DROP TABLE USERS
//	    error: table is locked
type Fixture struct {
	Statements []FixtureStatement `yaml:"statements"`
}

// FixtureStatement scripts one response. Exactly one of Rows, Update (with
// optional Keys) or Error must be present; a bare Update of zero is written
// as `update: 0`.
type FixtureStatement struct {
	SQL    string       `yaml:"sql"`
	Rows   *FixtureRows `yaml:"rows"`
	Update *int64       `yaml:"update"`
	Lazy   bool         `yaml:"lazy"`
	Keys   *FixtureRows `yaml:"keys"`
	Error  string       `yaml:"error"`
}

// FixtureRows is a literal result set.
type FixtureRows struct {
	Columns []string `yaml:"columns"`
	Values  [][]any  `yaml:"values"`
}

// LoadFixture reads a YAML fixture file and returns a session scripted
// from it.
func LoadFixture(path string, opts ...Option) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFixture(f, opts...)
}

// ReadFixture decodes a YAML fixture and returns a session scripted from
// it.
func ReadFixture(r io.Reader, opts ...Option) (*Session, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	s := NewSession(opts...)
	if err := s.Script(fx); err != nil {
		return nil, err
	}
	return s, nil
}

// Script queues every statement of the fixture on the session.
func (s *Session) Script(fx Fixture) error {
	for i, st := range fx.Statements {
		switch {
		case st.SQL == "":
			return fmt.Errorf("fixture statement %d: missing sql", i)
		case st.Error != "":
			s.ScriptFail(st.SQL, errors.New(st.Error))
		case st.Rows != nil:
			if st.Lazy {
				s.ScriptLazyRows(st.SQL, st.Rows.Columns, st.Rows.Values...)
			} else {
				s.ScriptRows(st.SQL, st.Rows.Columns, st.Rows.Values...)
			}
		case st.Update != nil:
			if st.Keys != nil {
				s.ScriptUpdateKeys(st.SQL, *st.Update, st.Keys.Columns, st.Keys.Values...)
			} else {
				s.ScriptUpdate(st.SQL, *st.Update)
			}
		default:
			return fmt.Errorf("fixture statement %d (%s): needs rows, update or error", i, st.SQL)
		}
	}
	return nil
}
