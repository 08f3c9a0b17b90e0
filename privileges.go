package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// getOriginalUser gets the user who invoked sudo
func getOriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// dropPrivileges switches to the user who invoked sudo. The netlink socket
// stays open and subscribed; process tables stay readable.
func dropPrivileges() error {
	u, err := getOriginalUser()
	if err != nil {
		return fmt.Errorf("could not get original user: %w", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid: %w", err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid: %w", err)
	}

	if err := unix.Setgroups(nil); err != nil {
		return fmt.Errorf("could not clear supplementary groups: %w", err)
	}

	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("could not drop group privileges: %w", err)
	}

	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("could not drop user privileges: %w", err)
	}

	return nil
}
