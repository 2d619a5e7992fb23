package relay

import "errors"

var (
	// port allocator errors
	ErrNoPortsAvailable = errors.New("no ports available in the configured range")
	ErrPortInUse        = errors.New("requested port could not be bound")

	// packet errors
	errShortPacket     = errors.New("packet is not large enough")
	errMalformedPacket = errors.New("packet failed rtp validation")
	ErrDecryptFailed   = errors.New("srtp unprotect failed")

	// lifecycle errors
	ErrMountpointExists    = errors.New("mountpoint id already in use")
	ErrMountpointNotFound  = errors.New("no such mountpoint")
	ErrMountpointDestroyed = errors.New("mountpoint is being destroyed")
	ErrViewerNotFound      = errors.New("no such viewer on this mountpoint")
	ErrSocketFault         = errors.New("socket reported error or hangup")

	// source errors
	ErrAcquireFailed = errors.New("source acquisition failed")
	ErrNoAcquirer    = errors.New("rtsp source configured without an acquirer")
)
