/*Package measurement provides the append-only measurement fact table

Each reported key/value pair becomes one row. Values land in exactly one
of the num/int/text/bool columns depending on their JSON type. A report
id groups the rows of one batch so they can be correlated later.
*/
package measurement

import (
	"github.com/goccy/go-json"

	"github.com/relabs-tech/devicehub/core/csql"
	"github.com/relabs-tech/devicehub/core/pointers"
	"github.com/relabs-tech/devicehub/iot"
)

// Value is one classified measurement value. Exactly one of the pointers
// is set.
type Value struct {
	Num  *float64
	Int  *int64
	Text *string
	Bool *bool
}

// Measurement is one fact row.
type Measurement struct {
	DeviceID string
	TsSec    int64
	TsNsec   int64
	Key      string
	Value    Value
	ReportID string
}

// Classify maps a decoded JSON value onto a measurement value. Numbers
// must be decoded with json.Number to keep the int/float distinction.
func Classify(v interface{}) Value {
	switch value := v.(type) {
	case bool:
		return Value{Bool: pointers.BoolPtr(value)}
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return Value{Int: pointers.Int64Ptr(i)}
		}
		if f, err := value.Float64(); err == nil {
			return Value{Num: pointers.Float64Ptr(f)}
		}
		return Value{Text: pointers.StringPtr(value.String())}
	case float64:
		return Value{Num: pointers.Float64Ptr(value)}
	case string:
		return Value{Text: pointers.StringPtr(value)}
	default:
		// objects and arrays are stored as their JSON text
		raw, _ := json.Marshal(v)
		return Value{Text: pointers.StringPtr(string(raw))}
	}
}

// Store is the persistent measurement store.
type Store struct {
	db *csql.DB
}

// NewStore creates the measurements table if it does not exist yet.
func NewStore(db *csql.DB) *Store {
	if db == nil {
		panic("DB is missing")
	}
	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.measurements
(device_id varchar references ` + db.Schema + `.device(device_id) ON DELETE CASCADE,
ts_sec bigint NOT NULL,
ts_nsec bigint NOT NULL,
key varchar NOT NULL,
value_num double precision,
value_int bigint,
value_text varchar,
value_bool boolean,
report_id varchar NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS measurements_device_key ON ` + db.Schema + `.measurements(device_id, key);`)
	if err != nil {
		panic(err)
	}
	return &Store{db: db}
}

// InsertBatch appends all measurements of one report in a single
// transaction.
func (s *Store) InsertBatch(measurements []Measurement) error {
	if len(measurements) == 0 {
		return iot.Validationf("no keyValues")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, m := range measurements {
		_, err = tx.Exec(
			`INSERT INTO `+s.db.Schema+`.measurements(device_id,ts_sec,ts_nsec,key,value_num,value_int,value_text,value_bool,report_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9);`,
			m.DeviceID, m.TsSec, m.TsNsec, m.Key,
			m.Value.Num, m.Value.Int, m.Value.Text, m.Value.Bool, m.ReportID)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Keys returns the distinct measurement keys of a device.
func (s *Store) Keys(deviceID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT key FROM `+s.db.Schema+`.measurements WHERE device_id=$1 ORDER BY key;`,
		deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ReportIDs returns the distinct non-empty report ids of a device.
func (s *Store) ReportIDs(deviceID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT report_id FROM `+s.db.Schema+`.measurements
WHERE device_id=$1 AND report_id<>'' ORDER BY report_id;`,
		deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Point is one sample of a time series.
type Point struct {
	TsSec  int64       `json:"s"`
	TsNsec int64       `json:"ns"`
	Value  interface{} `json:"value"`
}

// TimeSeries returns all samples of one key ordered by time.
func (s *Store) TimeSeries(deviceID, key string) ([]Point, error) {
	rows, err := s.db.Query(
		`SELECT ts_sec,ts_nsec,value_num,value_int,value_text,value_bool
FROM `+s.db.Schema+`.measurements WHERE device_id=$1 AND key=$2 ORDER BY ts_sec,ts_nsec;`,
		deviceID, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var points []Point
	for rows.Next() {
		var (
			p    Point
			num  *float64
			i    *int64
			text *string
			b    *bool
		)
		if err := rows.Scan(&p.TsSec, &p.TsNsec, &num, &i, &text, &b); err != nil {
			return nil, err
		}
		switch {
		case num != nil:
			p.Value = *num
		case i != nil:
			p.Value = *i
		case text != nil:
			p.Value = *text
		case b != nil:
			p.Value = *b
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
