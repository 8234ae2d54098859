package fuseops

import (
	"syscall"

	"github.com/cabewaldrop/andromeda-fuse/internal/errs"
	"github.com/hanwen/go-fuse/v2/fs"
)

// errToErrno maps the closed errs.Kind taxonomy onto the small set of
// errno values FuseOperations.cpp's original translation switch used.
func errToErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	kind, ok := errs.KindOf(err)
	if !ok {
		return syscall.EIO
	}
	switch kind {
	case errs.KindNotFound:
		return syscall.ENOENT
	case errs.KindAccessDenied, errs.KindAuthenticationFailed, errs.KindTwoFactorRequired:
		return syscall.EACCES
	case errs.KindReadOnly:
		return syscall.EROFS
	case errs.KindUnsupported:
		return syscall.ENOTSUP
	case errs.KindWriteType:
		return syscall.EROFS
	case errs.KindConflict:
		return syscall.EEXIST
	case errs.KindInvalid:
		return syscall.EINVAL
	case errs.KindTransport:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
