package qmp

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
)

// fakeServer accepts exactly one connection on a fresh unix socket and runs
// script against it on a separate goroutine, reporting the script's error
// (if any) on the returned channel.
func fakeServer(t *testing.T, script func(conn net.Conn, r *bufio.Reader) error) (socket string, done <-chan error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "qmp.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listening on %s: %v", path, err)
	}
	t.Cleanup(func() { ln.Close() })

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		errCh <- script(conn, bufio.NewReader(conn))
	}()

	return path, errCh
}

func writeLine(conn net.Conn, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = conn.Write(b)
	return err
}

func readLine(r *bufio.Reader) (map[string]interface{}, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var v map[string]interface{}
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func handshake(conn net.Conn, r *bufio.Reader) error {
	if err := writeLine(conn, map[string]interface{}{
		"QMP": map[string]interface{}{"version": map[string]interface{}{}},
	}); err != nil {
		return err
	}
	if _, err := readLine(r); err != nil { // qmp_capabilities
		return err
	}
	return writeLine(conn, map[string]interface{}{"return": map[string]interface{}{}})
}

func TestDialSuccessfulHandshake(t *testing.T) {
	socket, done := fakeServer(t, handshake)

	c, err := Dial(socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}
	if !c.ready {
		t.Error("Conn.ready = false after a successful handshake")
	}
}

func TestDialFailsOnGreetingMissingQMPKey(t *testing.T) {
	socket, _ := fakeServer(t, func(conn net.Conn, r *bufio.Reader) error {
		return writeLine(conn, map[string]interface{}{"foo": "bar"})
	})

	if _, err := Dial(socket); err == nil {
		t.Fatal("Dial succeeded despite a greeting with no QMP key")
	}
}

func TestDialFailsOnCapabilitiesError(t *testing.T) {
	socket, _ := fakeServer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := writeLine(conn, map[string]interface{}{
			"QMP": map[string]interface{}{"version": map[string]interface{}{}},
		}); err != nil {
			return err
		}
		if _, err := readLine(r); err != nil {
			return err
		}
		return writeLine(conn, map[string]interface{}{
			"error": map[string]interface{}{"class": "GenericError", "desc": "nope"},
		})
	})

	if _, err := Dial(socket); err == nil {
		t.Fatal("Dial succeeded despite a capabilities handshake error reply")
	}
}

func TestExecuteBeforeReadyReturnsErrNotReady(t *testing.T) {
	c := &Conn{}
	if err := c.SystemPowerdown(); err != ErrNotReady {
		t.Fatalf("SystemPowerdown on an unready Conn = %v, want ErrNotReady", err)
	}
}

func TestRoundTripDiscardsAsyncEvents(t *testing.T) {
	socket, done := fakeServer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := handshake(conn, r); err != nil {
			return err
		}
		if _, err := readLine(r); err != nil { // query-status
			return err
		}
		if err := writeLine(conn, map[string]interface{}{
			"event": "SHUTDOWN", "data": map[string]interface{}{},
		}); err != nil {
			return err
		}
		return writeLine(conn, map[string]interface{}{
			"return": map[string]interface{}{"status": "running"},
		})
	})

	c, err := Dial(socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	status, err := c.QueryStatus()
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status["status"] != "running" {
		t.Fatalf("QueryStatus = %v, want status=running", status)
	}
	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}
}

func TestExecuteErrorReplyIsSurfaced(t *testing.T) {
	socket, _ := fakeServer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := handshake(conn, r); err != nil {
			return err
		}
		if _, err := readLine(r); err != nil { // system_powerdown
			return err
		}
		return writeLine(conn, map[string]interface{}{
			"error": map[string]interface{}{"class": "GenericError", "desc": "boom"},
		})
	})

	c, err := Dial(socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.SystemPowerdown(); err == nil {
		t.Fatal("SystemPowerdown succeeded despite an error reply")
	}
}

func TestBlockdevAddDeviceAddAndDelRoundTrip(t *testing.T) {
	var commands []string
	socket, done := fakeServer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := handshake(conn, r); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			cmd, err := readLine(r)
			if err != nil {
				return err
			}
			commands = append(commands, cmd["execute"].(string))
			if err := writeLine(conn, map[string]interface{}{"return": map[string]interface{}{}}); err != nil {
				return err
			}
		}
		return nil
	})

	c, err := Dial(socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.BlockdevAdd("node0", "/var/lib/vman/disks/d1.qcow2"); err != nil {
		t.Fatalf("BlockdevAdd: %v", err)
	}
	if err := c.DeviceAddVirtioBlk("virtio0", "node0"); err != nil {
		t.Fatalf("DeviceAddVirtioBlk: %v", err)
	}
	if err := c.DeviceDel("virtio0"); err != nil {
		t.Fatalf("DeviceDel: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}

	want := []string{"blockdev-add", "device_add", "device_del"}
	if len(commands) != len(want) {
		t.Fatalf("commands = %v, want %v", commands, want)
	}
	for i, w := range want {
		if commands[i] != w {
			t.Errorf("commands[%d] = %q, want %q", i, commands[i], w)
		}
	}
}

func TestQueryBlockReturnsList(t *testing.T) {
	socket, done := fakeServer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := handshake(conn, r); err != nil {
			return err
		}
		if _, err := readLine(r); err != nil {
			return err
		}
		return writeLine(conn, map[string]interface{}{
			"return": []interface{}{
				map[string]interface{}{"device": "virtio0"},
			},
		})
	})

	c, err := Dial(socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	blocks, err := c.QueryBlock()
	if err != nil {
		t.Fatalf("QueryBlock: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("QueryBlock = %v, want 1 entry", blocks)
	}

	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}
}

func TestString(t *testing.T) {
	c := &Conn{socket: "/tmp/example.sock"}
	if got := c.String(); got != "qmp(/tmp/example.sock)" {
		t.Errorf("String() = %q, want qmp(/tmp/example.sock)", got)
	}
}
