package location

import (
	"bufio"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const maxLine = 1 << 16

var errLineTooLong = errors.New("gpsd line too long")

// conn is a line oriented gpsd connection that counts traffic.
type conn struct {
	reader   *bufio.Reader
	conn     net.Conn
	closed   uint32
	created  time.Time
	byte_in  uint64
	byte_out uint64
	logger   zerolog.Logger
}

func newConn(c net.Conn, logger zerolog.Logger) *conn {
	o := &conn{reader: bufio.NewReaderSize(c, 4096), conn: c}
	o.created = time.Now()
	o.logger = logger.With().Str("remote_address", c.RemoteAddr().String()).Logger()
	o.logger.Debug().Msg("gpsd connection opened")
	return o
}

// ReadLine returns the next line without its terminator.
func (c *conn) ReadLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := c.reader.ReadSlice('\n')
		atomic.AddUint64(&c.byte_in, uint64(len(frag)))
		line = append(line, frag...)
		if len(line) > maxLine {
			return nil, errLineTooLong
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		n := len(line) - 1
		if n > 0 && line[n-1] == '\r' {
			n--
		}
		return line[:n], nil
	}
}

func (c *conn) Write(d []byte) (int, error) {
	n, err := c.conn.Write(d)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *conn) Close() {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}
	c.conn.Close()
	c.logger.Debug().Uint64("byte_in", atomic.LoadUint64(&c.byte_in)).Uint64("byte_out", atomic.LoadUint64(&c.byte_out)).
		Dur("open_for", time.Since(c.created)).Msg("gpsd connection closed")
}
