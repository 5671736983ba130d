package s3api

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// isStreamingPayload reports whether the body uses AWS chunked encoding, as
// sent by SigV4 streaming uploads with or without trailers.
func isStreamingPayload(r *http.Request) bool {
	return strings.HasPrefix(strings.ToUpper(r.Header.Get("X-Amz-Content-Sha256")), "STREAMING-")
}

// readBody returns the decoded request body.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	if !isStreamingPayload(r) {
		return io.ReadAll(r.Body)
	}

	decodedLen := int64(-1)
	if raw := r.Header.Get("X-Amz-Decoded-Content-Length"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid X-Amz-Decoded-Content-Length %q", raw)
		}
		decodedLen = n
	}

	var buf bytes.Buffer
	if decodedLen > 0 {
		buf.Grow(int(decodedLen))
	}
	n, err := decodeStreamingPayload(&buf, r.Body)
	if err != nil {
		return nil, err
	}
	if decodedLen >= 0 && n != decodedLen {
		return nil, fmt.Errorf("decoded %d bytes, expected %d", n, decodedLen)
	}
	return buf.Bytes(), nil
}

// decodeStreamingPayload decodes an AWS Signature Version 4 streaming
// (chunked) payload into w. Chunk signatures are not verified. It returns
// the decoded payload length.
func decodeStreamingPayload(w io.Writer, body io.Reader) (int64, error) {
	br := bufio.NewReader(body)

	var written int64
	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, errors.New("unexpected EOF while reading chunk header")
			}
			return 0, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}
		if size < 0 {
			return 0, fmt.Errorf("negative chunk size %q", sizeHex)
		}

		if size == 0 {
			// The final chunk is followed by optional trailer lines and a
			// terminating empty line.
			for {
				trailer, err := br.ReadString('\n')
				if strings.TrimRight(trailer, "\r\n") == "" || err != nil {
					break
				}
			}
			return written, nil
		}

		n, err := io.CopyN(w, br, size)
		written += n
		if err != nil {
			return 0, fmt.Errorf("read chunk body: %w", err)
		}

		// Consume the trailing CRLF after the chunk body.
		if b, err := br.ReadByte(); err != nil || b != '\r' {
			if err == nil {
				return 0, fmt.Errorf("expected CR after chunk, got %q", b)
			}
			return 0, fmt.Errorf("read CR after chunk: %w", err)
		}
		if b, err := br.ReadByte(); err != nil || b != '\n' {
			if err == nil {
				return 0, fmt.Errorf("expected LF after chunk, got %q", b)
			}
			return 0, fmt.Errorf("read LF after chunk: %w", err)
		}
	}
}
