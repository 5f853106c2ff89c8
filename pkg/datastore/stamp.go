package datastore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/codedj/pkg/codec"
	"github.com/cuemby/codedj/pkg/codedjerr"
)

const stampName = "stamp.json"

// stamp records the codec version and creation identity of a datastore
// root, written once by Create and checked on every Open.
type stamp struct {
	CodecVersion uint32    `json:"codec_version"`
	CreatedAt    time.Time `json:"created_at"`
	Hostname     string    `json:"hostname"`
}

func writeStamp(root string) error {
	hostname, _ := os.Hostname()
	s := stamp{CodecVersion: codec.Version, CreatedAt: time.Now().UTC(), Hostname: hostname}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return codedjerr.Wrap(codedjerr.IO, "datastore.write_stamp", err)
	}
	return codedjerr.Wrap(codedjerr.IO, "datastore.write_stamp",
		os.WriteFile(filepath.Join(root, stampName), data, 0o644))
}

// checkStamp refuses to open a root stamped with an incompatible codec
// version.
func checkStamp(root string) error {
	data, err := os.ReadFile(filepath.Join(root, stampName))
	if err != nil {
		if os.IsNotExist(err) {
			return codedjerr.New(codedjerr.Usage, "datastore.open", err,
				"not a codedj datastore: no stamp file (did you run `codedj create`?)")
		}
		return codedjerr.Wrap(codedjerr.IO, "datastore.open", err)
	}
	var s stamp
	if err := json.Unmarshal(data, &s); err != nil {
		return codedjerr.Wrap(codedjerr.Codec, "datastore.open", err)
	}
	if s.CodecVersion != codec.Version {
		return codedjerr.New(codedjerr.VersionMismatch, "datastore.open", nil,
			"datastore was created with codec version that does not match this build")
	}
	return nil
}
