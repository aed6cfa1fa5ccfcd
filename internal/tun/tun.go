package tun

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"
)

const (
	ProtocolIPv4 = 4
	ProtocolIPv6 = 6
)

// Packet is one raw IP packet and the protocol family it belongs to.
type Packet struct {
	Data     []byte
	Protocol int
}

func IPVersion(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	return int(data[0] >> 4)
}

// Device is a TUN interface exposed as a packet queue. A single goroutine
// reads the interface so ReadPackets can honour its context.
type Device struct {
	iface   *water.Interface
	mtu     int
	logger  *logrus.Logger
	packets chan Packet
	readErr error
	done    chan struct{}
	once    sync.Once
}

func Open(name string, mtu int, logger *logrus.Logger) (*Device, error) {
	config := water.Config{
		DeviceType: water.TUN,
	}
	if name != "" {
		config.Name = name
	}

	iface, err := water.New(config)
	if err != nil {
		return nil, fmt.Errorf("create TUN interface: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if mtu <= 0 {
		mtu = 1500
	}

	logger.WithFields(logrus.Fields{
		"name": iface.Name(),
		"mtu":  mtu,
	}).Info("TUN interface created")

	d := &Device{
		iface:   iface,
		mtu:     mtu,
		logger:  logger,
		packets: make(chan Packet, 64),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *Device) Name() string {
	return d.iface.Name()
}

func (d *Device) readLoop() {
	defer close(d.packets)

	buf := make([]byte, d.mtu+64)
	for {
		n, err := d.iface.Read(buf)
		if err != nil {
			select {
			case <-d.done:
			default:
				d.readErr = err
				d.logger.WithError(err).Error("TUN read failed")
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case d.packets <- Packet{Data: data, Protocol: IPVersion(data)}:
		case <-d.done:
			return
		}
	}
}

// ReadPackets blocks until the interface yields a packet or ctx ends.
func (d *Device) ReadPackets(ctx context.Context) ([]Packet, error) {
	select {
	case p, ok := <-d.packets:
		if !ok {
			if d.readErr != nil {
				return nil, d.readErr
			}
			return nil, ErrQueueClosed
		}
		return []Packet{p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Device) WritePackets(packets []Packet) error {
	for _, p := range packets {
		if _, err := d.iface.Write(p.Data); err != nil {
			return fmt.Errorf("write to TUN: %w", err)
		}
	}
	return nil
}

func (d *Device) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.iface.Close()
	})
	return err
}
