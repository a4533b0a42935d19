/*Package device provides the device directory

Devices are identified by an opaque string id, either supplied by the
operator at registration time or generated. The id is immutable and is
the join key for state, topics and measurements, all of which reference
the device row with ON DELETE CASCADE.
*/
package device

import (
	"time"

	"github.com/google/uuid"
	"github.com/relabs-tech/devicehub/core/csql"
	"github.com/relabs-tech/devicehub/iot"
)

// Device is one directory entry.
type Device struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Info     string `json:"info"`
	Category string `json:"category"`
	LastSeen int64  `json:"last_seen"`
}

// Directory is the persistent device directory.
type Directory struct {
	db *csql.DB
}

// NewDirectory creates the device table if it does not exist yet.
func NewDirectory(db *csql.DB) *Directory {
	if db == nil {
		panic("DB is missing")
	}
	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.device
(device_id varchar NOT NULL,
name varchar NOT NULL DEFAULT '',
info varchar NOT NULL DEFAULT '',
category varchar NOT NULL DEFAULT '',
last_seen bigint NOT NULL DEFAULT 0,
PRIMARY KEY(device_id)
);`)
	if err != nil {
		panic(err)
	}
	return &Directory{db: db}
}

// NewDeviceID generates a fresh opaque device id.
func NewDeviceID() string {
	return uuid.NewString()
}

// Exists returns true if the device is registered.
func (d *Directory) Exists(deviceID string) (bool, error) {
	var one int
	err := d.db.QueryRow(
		`SELECT 1 FROM `+d.db.Schema+`.device WHERE device_id=$1;`,
		deviceID).Scan(&one)
	if err == csql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns one device.
func (d *Directory) Get(deviceID string) (Device, error) {
	dev := Device{}
	err := d.db.QueryRow(
		`SELECT device_id,name,info,category,last_seen FROM `+d.db.Schema+`.device WHERE device_id=$1;`,
		deviceID).Scan(&dev.DeviceID, &dev.Name, &dev.Info, &dev.Category, &dev.LastSeen)
	if err == csql.ErrNoRows {
		return dev, iot.NotFoundError{What: "device " + deviceID}
	}
	return dev, err
}

// List returns all devices, most recently seen first.
func (d *Directory) List() ([]Device, error) {
	rows, err := d.db.Query(
		`SELECT device_id,name,info,category,last_seen FROM ` + d.db.Schema + `.device ORDER BY last_seen DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		dev := Device{}
		if err := rows.Scan(&dev.DeviceID, &dev.Name, &dev.Info, &dev.Category, &dev.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// Add creates a new device. The id must not exist yet.
func (d *Directory) Add(dev Device) error {
	if dev.DeviceID == "" {
		return iot.Validationf("device_id is empty")
	}
	if dev.LastSeen == 0 {
		dev.LastSeen = time.Now().Unix()
	}
	_, err := d.db.Exec(
		`INSERT INTO `+d.db.Schema+`.device(device_id,name,info,category,last_seen)
VALUES($1,$2,$3,$4,$5);`,
		dev.DeviceID, dev.Name, dev.Info, dev.Category, dev.LastSeen)
	return err
}

// Update overwrites name, info and category for an existing device. Empty
// fields keep their stored value.
func (d *Directory) Update(deviceID, name, info, category string) error {
	res, err := d.db.Exec(
		`UPDATE `+d.db.Schema+`.device SET
name=CASE WHEN $2='' THEN name ELSE $2 END,
info=CASE WHEN $3='' THEN info ELSE $3 END,
category=CASE WHEN $4='' THEN category ELSE $4 END
WHERE device_id=$1;`,
		deviceID, name, info, category)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return iot.NotFoundError{What: "device " + deviceID}
	}
	return nil
}

// TouchLastSeen updates the last-seen timestamp to now.
func (d *Directory) TouchLastSeen(deviceID string) error {
	_, err := d.db.Exec(
		`UPDATE `+d.db.Schema+`.device SET last_seen=$2 WHERE device_id=$1;`,
		deviceID, time.Now().Unix())
	return err
}

// Delete removes a device. State, topics, schema, payloads and
// measurements are removed by the database via cascading foreign keys.
func (d *Directory) Delete(deviceID string) error {
	res, err := d.db.Exec(
		`DELETE FROM `+d.db.Schema+`.device WHERE device_id=$1;`,
		deviceID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return iot.NotFoundError{What: "device " + deviceID}
	}
	return nil
}
