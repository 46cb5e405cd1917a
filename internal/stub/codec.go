package stub

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// LineCodec frames JSON-RPC objects as one JSON document per line. With Noise
// set, every outgoing object is preceded by a malformed line and a response
// for an id nobody asked for.
type LineCodec struct {
	Noise bool
}

var (
	noiseLine = []byte("{\"jsonrpc\": broken\n")
	strayLine = []byte(`{"jsonrpc":"2.0","id":987654321,"result":"stray"}` + "\n")
)

func (c LineCodec) WriteObject(stream io.Writer, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if c.Noise {
		if _, err := stream.Write(noiseLine); err != nil {
			return err
		}
		if _, err := stream.Write(strayLine); err != nil {
			return err
		}
	}
	data = append(data, '\n')
	_, err = stream.Write(data)
	return err
}

func (c LineCodec) ReadObject(stream *bufio.Reader, v interface{}) error {
	for {
		line, err := stream.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return json.Unmarshal(line, v)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
	}
}
