// Package qmp implements a QEMU Monitor Protocol client: a framed
// JSON request/response session over an AF_UNIX socket, narrowed to the
// handshake and command set the Operator actually issues.
package qmp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/blawesom/vm-manager/internal/vlog"
)

// ioTimeout bounds every read and write on the monitor socket.
const ioTimeout = 5 * time.Second

// maxMessage caps how much a single frame may grow to before it's
// considered protocol garbage, guarding against a QEMU gone haywire
// feeding an unbounded stream with no newline.
const maxMessage = 1 << 20

// ErrNotReady is returned by any command issued before the handshake
// completes.
var ErrNotReady = errors.New("qmp: connection is not ready")

// Conn is a single QMP session. It is not safe for concurrent use; the
// Operator serializes access per VM.
type Conn struct {
	socket string
	conn   net.Conn
	reader *bufio.Reader
	ready  bool
}

// Dial opens a QMP session at the given unix socket path, reading the
// server greeting and completing the qmp_capabilities handshake.
func Dial(socket string) (*Conn, error) {
	c := &Conn{socket: socket}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect() error {
	vlog.Debug("qmp: dialing %s", c.socket)

	conn, err := net.Dial("unix", c.socket)
	if err != nil {
		return errors.Wrapf(err, "qmp: dial %s", c.socket)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 4096)

	greeting, err := c.readFrame()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "qmp: reading greeting")
	}
	if _, ok := greeting["QMP"]; !ok {
		conn.Close()
		return errors.New("qmp: greeting missing QMP key")
	}

	resp, err := c.roundTrip(map[string]interface{}{"execute": "qmp_capabilities"})
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "qmp: capabilities handshake")
	}
	if isError(resp) {
		conn.Close()
		return errors.Errorf("qmp: capabilities handshake failed: %v", resp["error"])
	}

	c.ready = true
	return nil
}

// Close tears down the monitor socket.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func isError(v map[string]interface{}) bool {
	_, ok := v["error"]
	return ok
}

// readFrame reads one newline-delimited JSON object from the socket,
// respecting the 5 s I/O timeout.
func (c *Conn) readFrame() (map[string]interface{}, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		return nil, err
	}

	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxMessage {
			return nil, errors.New("qmp: frame exceeds size limit")
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	var v map[string]interface{}
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, errors.Wrap(err, "qmp: decoding frame")
	}

	vlog.Debug("qmp read: %v", v)
	return v, nil
}

// writeFrame writes a single command object followed by a newline.
func (c *Conn) writeFrame(v map[string]interface{}) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}

	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "qmp: encoding frame")
	}
	b = append(b, '\n')

	vlog.Debug("qmp write: %s", b)
	_, err = c.conn.Write(b)
	return err
}

// roundTrip writes a command and reads replies until a non-event
// (synchronous) reply arrives, discarding any asynchronous QEMU events
// seen in between. The Operator has no interest in async events today.
func (c *Conn) roundTrip(cmd map[string]interface{}) (map[string]interface{}, error) {
	if err := c.writeFrame(cmd); err != nil {
		return nil, err
	}

	for {
		v, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		if _, isEvent := v["event"]; isEvent {
			continue
		}
		return v, nil
	}
}

func (c *Conn) execute(command string, args map[string]interface{}) (map[string]interface{}, error) {
	if !c.ready {
		return nil, ErrNotReady
	}

	cmd := map[string]interface{}{"execute": command}
	if args != nil {
		cmd["arguments"] = args
	}

	v, err := c.roundTrip(cmd)
	if err != nil {
		return nil, err
	}
	if isError(v) {
		return nil, errors.Errorf("qmp: %s: %v", command, v["error"])
	}
	return v, nil
}

// SystemPowerdown requests ACPI-style graceful shutdown.
func (c *Conn) SystemPowerdown() error {
	_, err := c.execute("system_powerdown", nil)
	return err
}

// Quit asks QEMU to terminate immediately.
func (c *Conn) Quit() error {
	_, err := c.execute("quit", nil)
	return err
}

// QueryStatus returns the `query-status` reply's return value.
func (c *Conn) QueryStatus() (map[string]interface{}, error) {
	v, err := c.execute("query-status", nil)
	if err != nil {
		return nil, err
	}
	ret, _ := v["return"].(map[string]interface{})
	return ret, nil
}

// QueryBlock returns the `query-block` reply's return value: one entry
// per configured block device.
func (c *Conn) QueryBlock() ([]interface{}, error) {
	v, err := c.execute("query-block", nil)
	if err != nil {
		return nil, err
	}
	ret, _ := v["return"].([]interface{})
	return ret, nil
}

// BlockdevAdd wraps a qcow2 file-backend node under nodeName, the first
// step of the hot-plug sequence.
func (c *Conn) BlockdevAdd(nodeName, path string) error {
	_, err := c.execute("blockdev-add", map[string]interface{}{
		"driver":    "qcow2",
		"node-name": nodeName,
		"file": map[string]interface{}{
			"driver":   "file",
			"filename": path,
		},
	})
	return err
}

// DeviceAddVirtioBlk attaches a virtio-blk-pci device to the pcie.0 bus
// backed by nodeName, the second step of the hot-plug sequence.
func (c *Conn) DeviceAddVirtioBlk(id, nodeName string) error {
	_, err := c.execute("device_add", map[string]interface{}{
		"driver": "virtio-blk-pci",
		"id":     id,
		"drive":  nodeName,
		"bus":    "pcie.0",
	})
	return err
}

// DeviceDel issues a hot-unplug by device id.
func (c *Conn) DeviceDel(id string) error {
	_, err := c.execute("device_del", map[string]interface{}{"id": id})
	return err
}

// String satisfies fmt.Stringer for debug logging.
func (c *Conn) String() string {
	return fmt.Sprintf("qmp(%s)", c.socket)
}
