package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/dSQL/cluster/common"
)

// NewGOBSerializer creates a new serializer using gob encoding. All nodes
// of a cluster must be configured with the same serializer.
func NewGOBSerializer() IWireSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IWireSerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IWireSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
}
