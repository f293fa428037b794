package relay

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/paseodev/paseo/internal/crypto"
)

// secureWire is a sealed relay data link presented to the session hub
// as an ordinary connection. Frames on the socket are binary
// nonce||ciphertext||tag blobs; the hub sees plaintext JSON.
type secureWire struct {
	conn *websocket.Conn
	box  *crypto.SecureBox

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSecureWire(conn *websocket.Conn, box *crypto.SecureBox) *secureWire {
	return &secureWire{conn: conn, box: box}
}

func (w *secureWire) ReadMessage() ([]byte, error) {
	_, frame, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	plaintext, err := w.box.Open(frame)
	if err != nil {
		// A frame that fails authentication poisons the link.
		_ = w.Close()
		return nil, err
	}
	return plaintext, nil
}

func (w *secureWire) WriteMessage(data []byte) error {
	frame, err := w.box.Seal(data)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *secureWire) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close()
	})
	return err
}
