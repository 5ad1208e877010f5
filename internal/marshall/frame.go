// Package marshall реализует VMC-сторону протокола Nayax Marshall поверх последовательного порта.
package marshall

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Параметры кадра: LEN(1)=0x09 | SEQ(3) | DATA(4) | FLAGS(1) | CRC16-LE(2).
const (
	FrameLen   = 11
	SyncByte   = 0x09
	payloadLen = 9
)

// Флаги кадров от устройства Nayax.
const (
	FlagPoll      byte = 0x01
	FlagSession   byte = 0x02
	FlagApproved  byte = 0x03
	FlagDenied    byte = 0x04
	FlagTxnInfo   byte = 0x05
	FlagSettled   byte = 0x06
	FlagCancelled byte = 0x07
)

// Флаги ответов VMC.
const (
	FlagAck         byte = 0x00
	FlagVendRequest byte = 0x10
	FlagVendOK      byte = 0x11
	FlagVendFail    byte = 0x12
	FlagCancel      byte = 0x13
	FlagSessionDone byte = 0x14
)

var (
	// DeviceIdleData передаётся устройством в обычном опросе.
	DeviceIdleData = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
	// VMCIdleData передаётся VMC в пустом ответе.
	VMCIdleData = [4]byte{}
)

// Ошибки разбора кадра.
var (
	ErrBadLength   = errors.New("marshall: frame shorter than 11 bytes")
	ErrBadSync     = errors.New("marshall: bad sync byte")
	ErrCRCMismatch = errors.New("marshall: crc mismatch")
	// ErrIncomplete возвращается Scanner, когда в буфере нет полного кадра.
	ErrIncomplete = errors.New("marshall: incomplete frame")
)

// Frame содержит поля кадра без длины и контрольной суммы.
type Frame struct {
	Seq   [3]byte
	Data  [4]byte
	Flags byte
}

// SeqNum возвращает номер последовательности как число.
func (f Frame) SeqNum() uint32 {
	return uint32(f.Seq[0])<<16 | uint32(f.Seq[1])<<8 | uint32(f.Seq[2])
}

// IsIdlePoll сообщает, является ли кадр пустым опросом устройства.
func (f Frame) IsIdlePoll() bool {
	return f.Flags == FlagPoll && f.Data == DeviceIdleData
}

// Uint32 возвращает поле данных как big-endian число.
func (f Frame) Uint32() uint32 {
	return binary.BigEndian.Uint32(f.Data[:])
}

func (f Frame) String() string {
	return fmt.Sprintf("seq=%06X data=%X flags=0x%02X", f.SeqNum(), f.Data[:], f.Flags)
}

// SeqFromUint32 упаковывает младшие 24 бита номера в поле SEQ.
func SeqFromUint32(n uint32) [3]byte {
	return [3]byte{byte(n >> 16), byte(n >> 8), byte(n)}
}

// CRC16 считает CRC-16/XMODEM (poly 0x1021, init 0x0000, MSB first).
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Encode собирает 11-байтовый кадр.
func Encode(seq [3]byte, data [4]byte, flags byte) []byte {
	out := make([]byte, FrameLen)
	out[0] = SyncByte
	copy(out[1:4], seq[:])
	copy(out[4:8], data[:])
	out[8] = flags
	binary.LittleEndian.PutUint16(out[9:], CRC16(out[:payloadLen]))
	return out
}

// Encode собирает кадр из полей f.
func (f Frame) Encode() []byte {
	return Encode(f.Seq, f.Data, f.Flags)
}

// Decode разбирает первые 11 байт b.
func Decode(b []byte) (Frame, error) {
	if len(b) < FrameLen {
		return Frame{}, ErrBadLength
	}
	if b[0] != SyncByte {
		return Frame{}, ErrBadSync
	}
	want := binary.LittleEndian.Uint16(b[9:11])
	if got := CRC16(b[:payloadLen]); got != want {
		return Frame{}, fmt.Errorf("%w: got %04X want %04X", ErrCRCMismatch, got, want)
	}

	var f Frame
	copy(f.Seq[:], b[1:4])
	copy(f.Data[:], b[4:8])
	f.Flags = b[8]
	return f, nil
}

// Scanner выделяет кадры из байтового потока. Канал не разделяет сообщения,
// поэтому при ошибке синхронизации буфер сдвигается до следующего 0x09.
type Scanner struct {
	buf     []byte
	skipped int
	// tail число байт в начале buf, оставшихся от последнего повреждённого кадра.
	tail int
}

// Feed добавляет прочитанные байты в буфер.
func (s *Scanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Buffered возвращает число байт, ожидающих разбора.
func (s *Scanner) Buffered() int {
	return len(s.buf)
}

// Skipped возвращает число байт, отброшенных при поиске синхронизации.
func (s *Scanner) Skipped() int {
	return s.skipped
}

// Next возвращает следующий кадр. ErrIncomplete означает, что нужны ещё данные.
// При ErrCRCMismatch отбрасывается только байт синхронизации, чтобы не потерять
// кадр, начинающийся внутри повреждённого. Ошибка возвращается один раз на
// повреждённый кадр: несовпадения внутри его хвоста отбрасываются молча.
func (s *Scanner) Next() (Frame, error) {
	for {
		idx := bytes.IndexByte(s.buf, SyncByte)
		if idx < 0 {
			s.drop(len(s.buf))
			return Frame{}, ErrIncomplete
		}
		s.drop(idx)
		if len(s.buf) < FrameLen {
			return Frame{}, ErrIncomplete
		}

		f, err := Decode(s.buf)
		if err == nil {
			s.advance(FrameLen)
			return f, nil
		}

		inTail := s.tail > 0
		s.drop(1)
		if inTail {
			continue
		}
		s.tail = FrameLen - 1
		return Frame{}, err
	}
}

func (s *Scanner) drop(n int) {
	s.skipped += n
	s.advance(n)
}

func (s *Scanner) advance(n int) {
	s.buf = s.buf[n:]
	s.tail = max(s.tail-n, 0)
}

// FlagName возвращает имя флага для диагностики.
func FlagName(flags byte, fromDevice bool) string {
	if fromDevice {
		switch flags {
		case FlagPoll:
			return "POLL"
		case FlagSession:
			return "SESSION"
		case FlagApproved:
			return "APPROVED"
		case FlagDenied:
			return "DENIED"
		case FlagTxnInfo:
			return "TXN_INFO"
		case FlagSettled:
			return "SETTLED"
		case FlagCancelled:
			return "CANCELLED"
		}
	} else {
		switch flags {
		case FlagAck:
			return "ACK"
		case FlagVendRequest:
			return "VEND_REQUEST"
		case FlagVendOK:
			return "VEND_OK"
		case FlagVendFail:
			return "VEND_FAIL"
		case FlagCancel:
			return "CANCEL"
		case FlagSessionDone:
			return "SESSION_DONE"
		}
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", flags)
}

// vendData кодирует сумму (не более 65535) и число товаров в поле данных.
func vendData(total, count int) [4]byte {
	var d [4]byte
	binary.BigEndian.PutUint16(d[0:2], uint16(clamp16(total)))
	binary.BigEndian.PutUint16(d[2:4], uint16(clamp16(count)))
	return d
}

func clamp16(v int) int {
	if v < 0 {
		return 0
	}
	if v > 0xFFFF {
		return 0xFFFF
	}
	return v
}
