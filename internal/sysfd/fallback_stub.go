//go:build !linux

package sysfd

import (
	"errors"
	"time"
)

// ErrLinuxOnly is returned by every exported function on platforms other
// than Linux, where eventfd and SCM_RIGHTS descriptor passing do not
// exist. It mirrors the teacher's collector.ErrLinuxOnly split, so the
// broker package still builds (and its non-Linux-only tests still run) on
// a developer's laptop.
var ErrLinuxOnly = errors.New("dbgbroker: sysfd is only supported on linux")

const (
	EventfdLocked   uint64 = 0
	EventfdUnlocked uint64 = 1
)

type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}

func NewEventfd(uint64) (int, error)             { return -1, ErrLinuxOnly }
func EventfdRead(int) (uint64, error)             { return 0, ErrLinuxOnly }
func EventfdWrite(int, uint64) error               { return ErrLinuxOnly }
func NewSeqpacketSocketpair() (int, int, error)    { return -1, -1, ErrLinuxOnly }
func NewSeqpacketSocket() (int, error)             { return -1, ErrLinuxOnly }
func SetSendTimeout(int, time.Duration) error      { return ErrLinuxOnly }
func GetPeerCred(int) (PeerCred, error)            { return PeerCred{}, ErrLinuxOnly }
func SendFDs(int, []int) error                     { return ErrLinuxOnly }
func RecvFD(int) (int, error)                      { return -1, ErrLinuxOnly }
