//go:build darwin

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

var bridgeGlobs = []string{"/dev/cu.usbserial*", "/dev/cu.SLAB_USBtoUART*", "/dev/cu.wchusbserial*", "/dev/cu.usbmodem*"}

// iossioSpeed is _IOW('T', 2, speed_t).
const iossioSpeed = 0x80045402

// setSpeed reports custom=true when the rate needs IOSSIOSPEED after the
// termios settings are applied.
func setSpeed(t *unix.Termios, baud int) (custom bool, err error) {
	speed, ok := standardSpeeds[baud]
	if !ok {
		speed, custom = unix.B9600, true
	}
	t.Ispeed = uint64(speed)
	t.Ospeed = uint64(speed)
	return custom, nil
}

func setCustomSpeed(fd, baud int) error {
	return unix.IoctlSetPointerInt(fd, iossioSpeed, baud)
}
