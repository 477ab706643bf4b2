// Package worker runs a native face detector as a child process and talks to
// it over a length-prefixed binary protocol.
//
// Request:  [u32 len][u8 orientation][jpeg bytes]
// Response: [u32 len][u8 status] then
//
//	status 0: [u32 n] followed by n x [4]int32 {x, y, w, h} in pixels
//	status 1: [u32 msglen][msg]
//
// All integers are big-endian. A Detector is not safe for concurrent use.
package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"

	"github.com/andresmejia3/facescan/internal/types"
	"github.com/andresmejia3/facescan/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	jpegQuality = 90
	// maxResponse guards against a corrupted length header.
	maxResponse = 16 * 1024 * 1024
)

// ErrEmptyCommand is returned when no detector command is configured.
var ErrEmptyCommand = errors.New("detector command is empty")

// Detector is one running detector process.
type Detector struct {
	ID       string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewDetector starts the detector process described by command.
func NewDetector(id string, command []string) (*Detector, error) {
	if len(command) == 0 {
		return nil, ErrEmptyCommand
	}

	// 1. Initialize the SafeCommand
	proc := utils.NewSafeCommand(command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("detector %s failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Detector{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Detect encodes img as JPEG, sends it with the orientation hint, and returns
// the rectangles the process reports in its native pixel space.
func (d *Detector) Detect(img image.Image, orientation types.Orientation) ([]image.Rectangle, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(orientation))
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	resp, err := d.communicate(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (d *Detector) communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(d.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := d.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read from the clean DataPipe, so no magic byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(d.DataPipe, header); err != nil {
		return nil, err // This is where a crashed detector shows up
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("detector response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(d.DataPipe, respBody)
	return respBody, err
}

func parseResponse(resp []byte) ([]image.Rectangle, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty detector response: %w", err)
	}

	switch status {
	case statusOK:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("failed to read face count: %w", err)
		}
		if int(n)*16 > r.Len() {
			return nil, fmt.Errorf("truncated detector response: %d faces, %d bytes", n, r.Len())
		}
		rects := make([]image.Rectangle, 0, n)
		for i := uint32(0); i < n; i++ {
			var box [4]int32 // x, y, w, h
			if err := binary.Read(r, binary.BigEndian, &box); err != nil {
				return nil, fmt.Errorf("failed to read box %d: %w", i, err)
			}
			rects = append(rects, image.Rect(int(box[0]), int(box[1]), int(box[0]+box[2]), int(box[1]+box[3])))
		}
		return rects, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("failed to read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("failed to read error message: %w", err)
		}
		return nil, fmt.Errorf("detector error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown detector status %d", status)
	}
}

// Close shuts the process down and waits for it to exit.
func (d *Detector) Close() error {
	d.Stdin.Close()
	d.DataPipe.Close()
	if d.Cmd == nil {
		return nil
	}
	return d.Cmd.Wait()
}
