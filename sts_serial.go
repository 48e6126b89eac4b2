package smartblind

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// STS instruction set
const (
	instPing  = 0x01
	instRead  = 0x02
	instWrite = 0x03
)

// STS3215 control table
const (
	addrMode            = 33
	addrAcceleration    = 41
	addrGoalSpeed       = 46
	addrLock            = 55
	addrPresentPosition = 56
	addrPresentLoad     = 60
	addrPresentVoltage  = 62
	addrPresentTemp     = 63

	modeWheel = 1

	frameHeader = 0xFF
	broadcastID = 0xFE

	speedSignBit = 1 << 15
	loadSignBit  = 1 << 10
)

// serialConn is the part of serial.Port the STS bus needs.
type serialConn interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// stsBus speaks the Feetech STS half-duplex packet protocol on one serial port.
type stsBus struct {
	conn    serialConn
	timeout time.Duration
	mu      sync.Mutex
}

// openSTSBus opens portName at 8N1 and baudrate.
func openSTSBus(portName string, baudrate int, timeout time.Duration) (*stsBus, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", portName)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}
	return newSTSBus(port, timeout), nil
}

func newSTSBus(conn serialConn, timeout time.Duration) *stsBus {
	return &stsBus{conn: conn, timeout: timeout}
}

func (b *stsBus) Close() error {
	return b.conn.Close()
}

// checksum is the inverted low byte of the sum of everything after the header.
func checksum(packet []byte) byte {
	var sum byte
	for _, c := range packet[2:] {
		sum += c
	}
	return ^sum
}

// encodePacket builds FF FF ID LEN INST PARAMS CHK.
func encodePacket(id, instruction byte, params []byte) []byte {
	packet := make([]byte, 0, 6+len(params))
	packet = append(packet, frameHeader, frameHeader, id, byte(len(params)+2), instruction)
	packet = append(packet, params...)
	return append(packet, checksum(packet))
}

// decodeStatus validates a status packet FF FF ID LEN ERR PARAMS CHK from id and
// returns its parameters.
func decodeStatus(id byte, packet []byte) ([]byte, error) {
	if len(packet) < 6 {
		return nil, errors.Errorf("status packet too short: % x", packet)
	}
	if packet[0] != frameHeader || packet[1] != frameHeader {
		return nil, errors.Errorf("bad status header: % x", packet[:2])
	}
	if packet[2] != id {
		return nil, errors.Errorf("status from servo %d, expected %d", packet[2], id)
	}
	length := int(packet[3])
	if length < 2 || len(packet) != 4+length {
		return nil, errors.Errorf("status length %d does not match packet size %d", length, len(packet))
	}
	if want := checksum(packet[:len(packet)-1]); packet[len(packet)-1] != want {
		return nil, errors.Errorf("status checksum 0x%02x, expected 0x%02x", packet[len(packet)-1], want)
	}
	if status := packet[4]; status != 0 {
		return nil, errors.Errorf("servo %d reported error status 0x%02x", id, status)
	}
	return packet[5 : len(packet)-1], nil
}

// transact sends one instruction and reads the status reply.
func (b *stsBus) transact(ctx context.Context, id, instruction byte, params []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.conn.ResetInputBuffer(); err != nil {
		return nil, errors.Wrap(err, "failed to flush serial input")
	}
	if _, err := b.conn.Write(encodePacket(id, instruction, params)); err != nil {
		return nil, errors.Wrap(err, "failed to write packet")
	}
	if id == broadcastID {
		return nil, nil
	}

	head := make([]byte, 4)
	if err := b.readFull(head); err != nil {
		return nil, errors.Wrapf(err, "no reply from servo %d", id)
	}
	rest := make([]byte, int(head[3]))
	if err := b.readFull(rest); err != nil {
		return nil, errors.Wrapf(err, "truncated reply from servo %d", id)
	}
	return decodeStatus(id, append(head, rest...))
}

// readFull fills buf; serial reads return 0 bytes on timeout.
func (b *stsBus) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := b.conn.Read(buf[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Errorf("read timeout after %v", b.timeout)
		}
		off += n
	}
	return nil
}

func (b *stsBus) ping(ctx context.Context, id byte) error {
	_, err := b.transact(ctx, id, instPing, nil)
	return err
}

func (b *stsBus) readRegister(ctx context.Context, id, address byte, length int) ([]byte, error) {
	data, err := b.transact(ctx, id, instRead, []byte{address, byte(length)})
	if err != nil {
		return nil, err
	}
	if len(data) != length {
		return nil, errors.Errorf("read %d bytes from register %d, expected %d", len(data), address, length)
	}
	return data, nil
}

func (b *stsBus) writeRegister(ctx context.Context, id, address byte, data []byte) error {
	params := make([]byte, 0, 1+len(data))
	params = append(params, address)
	params = append(params, data...)
	_, err := b.transact(ctx, id, instWrite, params)
	return err
}

// encodeSpeed packs a signed wheel speed as magnitude plus sign bit 15.
func encodeSpeed(speed int) []byte {
	magnitude := speed
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude > MaxServoSpeed {
		magnitude = MaxServoSpeed
	}
	word := uint16(magnitude)
	if speed < 0 {
		word |= speedSignBit
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, word)
	return buf
}

// decodeLoad unpacks magnitude plus sign bit 10.
func decodeLoad(data []byte) int {
	word := binary.LittleEndian.Uint16(data)
	load := int(word & (loadSignBit - 1))
	if word&loadSignBit != 0 {
		load = -load
	}
	return load
}

// stsActuator drives one servo on an stsBus in wheel mode.
type stsActuator struct {
	bus     *stsBus
	id      byte
	release func() error

	mu        sync.Mutex
	wheelMode bool
	lastAccel int
}

func newSTSActuator(bus *stsBus, id int, release func() error) *stsActuator {
	return &stsActuator{bus: bus, id: byte(id), release: release, lastAccel: -1}
}

func (a *stsActuator) Ping(ctx context.Context) error {
	return a.bus.ping(ctx, a.id)
}

func (a *stsActuator) Position(ctx context.Context) (int, error) {
	data, err := a.bus.readRegister(ctx, a.id, addrPresentPosition, 2)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read position")
	}
	return int(binary.LittleEndian.Uint16(data)), nil
}

// enableWheelMode switches the servo to continuous rotation. The mode register sits
// behind the EEPROM lock.
func (a *stsActuator) enableWheelMode(ctx context.Context) error {
	if a.wheelMode {
		return nil
	}
	if err := a.bus.writeRegister(ctx, a.id, addrLock, []byte{0}); err != nil {
		return errors.Wrap(err, "failed to unlock EEPROM")
	}
	if err := a.bus.writeRegister(ctx, a.id, addrMode, []byte{modeWheel}); err != nil {
		return errors.Wrap(err, "failed to set wheel mode")
	}
	if err := a.bus.writeRegister(ctx, a.id, addrLock, []byte{1}); err != nil {
		return errors.Wrap(err, "failed to lock EEPROM")
	}
	a.wheelMode = true
	return nil
}

func (a *stsActuator) SetVelocity(ctx context.Context, speed, acceleration int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enableWheelMode(ctx); err != nil {
		return err
	}
	if acceleration != a.lastAccel {
		if err := a.bus.writeRegister(ctx, a.id, addrAcceleration, []byte{byte(acceleration)}); err != nil {
			return errors.Wrap(err, "failed to set acceleration")
		}
		a.lastAccel = acceleration
	}
	if err := a.bus.writeRegister(ctx, a.id, addrGoalSpeed, encodeSpeed(speed)); err != nil {
		return errors.Wrap(err, "failed to set speed")
	}
	return nil
}

func (a *stsActuator) Load(ctx context.Context) (int, error) {
	data, err := a.bus.readRegister(ctx, a.id, addrPresentLoad, 2)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read load")
	}
	return decodeLoad(data), nil
}

func (a *stsActuator) Voltage(ctx context.Context) (int, error) {
	data, err := a.bus.readRegister(ctx, a.id, addrPresentVoltage, 1)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read voltage")
	}
	return int(data[0]), nil
}

func (a *stsActuator) Temperature(ctx context.Context) (int, error) {
	data, err := a.bus.readRegister(ctx, a.id, addrPresentTemp, 1)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read temperature")
	}
	return int(data[0]), nil
}

func (a *stsActuator) Close() error {
	if a.release == nil {
		return nil
	}
	return a.release()
}

// OpenSerialActuator opens portName directly, without the shared bus registry, and
// returns an Actuator for servoID. Closing it closes the port.
func OpenSerialActuator(portName string, baudrate int, timeout time.Duration, servoID int) (Actuator, error) {
	bus, err := openSTSBus(portName, baudrate, timeout)
	if err != nil {
		return nil, err
	}
	return newSTSActuator(bus, servoID, bus.Close), nil
}
