package serializer

import "github.com/ValentinKolb/dSQL/cluster/common"

// IWireSerializer is the interface for all frame body serializers.
type IWireSerializer interface {
	// Serialize serializes a Message into a byte array
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message
	Deserialize(b []byte, msg *common.Message) error
}
