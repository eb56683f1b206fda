package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dSQL/cluster/common"
)

// NewJSONSerializer creates a new serializer using json encoding. This is
// the wire default: frame bodies stay human-readable in captures.
func NewJSONSerializer() IWireSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IWireSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IWireSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	return json.Unmarshal(b, msg)
}
