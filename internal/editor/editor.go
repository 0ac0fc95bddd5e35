// Package editor implements the pleaseedit workflow (spec component H):
// copy the source file into a privilege-dropped temp file, hand it to
// the invoker's editor, then copy the edited contents back into a
// sibling of the source owned by the target user, running an optional
// administrator exit-hook before the final atomic rename.
package editor

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/please-works/please/internal/policy"
	"github.com/please-works/please/internal/priv"
)

const alphaNum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomSuffix returns an n-character alphanumeric string used to make
// temp file names unpredictable, drawn from crypto/rand rather than
// math/rand since these names gate a setuid-root rename.
func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// fall back to a fixed but still-unique-enough suffix; a
		// broken CSPRNG is a worse failure mode than a weak name.
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphaNum[int(b)%len(alphaNum)]
	}
	return string(out)
}

// TempEditFileName returns the /tmp path the invoker edits (spec.md
// §4.H "Working copy").
func TempEditFileName(sourceFile, service, user string) string {
	flat := strings.ReplaceAll(sourceFile, "/", "_")
	return fmt.Sprintf("/tmp/%s.%s.%s.%s", service, user, randomSuffix(8), flat)
}

// SourceTempFileName returns the sibling-of-source path the rename
// commits from, so the final rename is same-filesystem and atomic.
func SourceTempFileName(sourceFile, service, user string) string {
	return fmt.Sprintf("%s.%s.%s.%s", sourceFile, randomSuffix(8), service, user)
}

// Identity carries the target and original uid/gid pairs the edit
// workflow flips between via the privilege controller.
type Identity struct {
	OrigName string
	OrigUID  int
	OrigGID  int
	TargetUID int
	TargetGID int
}

// Session holds everything one do_edit_loop-equivalent run needs.
type Session struct {
	Service    string
	SourceFile string
	Identity   Identity
	Rule       policy.Rule
	Editor     string // already resolved argv[0]+args, space separated
	OldUmask   int
	OldEnv     map[string]string // present only when the env was scrubbed
}

// setupTempEditFile creates (or recreates, for --resume) the /tmp
// working copy, owned by the invoker, containing either the source
// file's current contents or prevData when resuming after a failed
// exit-hook.
func (s *Session) setupTempEditFile(prevData []byte, resuming bool, existingPath string) (string, error) {
	if err := priv.DropPrivs(s.Identity.OrigUID, s.Identity.OrigGID); err != nil {
		return "", err
	}

	tmpPath := existingPath
	if tmpPath == "" {
		tmpPath = TempEditFileName(s.SourceFile, s.Service, s.Identity.OrigName)
	}

	if _, err := os.Lstat(tmpPath); err == nil {
		if err := os.Remove(tmpPath); err != nil {
			return "", fmt.Errorf("editor: could not remove %s: %w", tmpPath, err)
		}
	}

	data := prevData
	if !resuming {
		if err := priv.EscPrivs(); err != nil {
			return "", err
		}
		if err := priv.SetEPrivs(s.Identity.TargetUID, s.Identity.TargetGID); err != nil {
			return "", err
		}

		if fi, err := os.Stat(s.SourceFile); err == nil && fi.Mode().IsRegular() {
			d, err := os.ReadFile(s.SourceFile)
			if err != nil {
				return "", fmt.Errorf("editor: could not read source file %s: %w", s.SourceFile, err)
			}
			data = d
		}

		if err := priv.DropPrivs(s.Identity.OrigUID, s.Identity.OrigGID); err != nil {
			return "", err
		}
	}

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|unix.O_NOFOLLOW, 0)
	if err != nil {
		return "", fmt.Errorf("editor: could not create %s: %w", tmpPath, err)
	}
	defer f.Close()

	if err := f.Chown(s.Identity.OrigUID, s.Identity.OrigGID); err != nil {
		fmt.Fprintf(os.Stderr, "Could not chown %s\n", tmpPath)
	}
	if err := f.Chmod(0o600); err != nil {
		return "", fmt.Errorf("editor: could not chmod %s: %w", tmpPath, err)
	}

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("editor: could not write data to %s: %w", tmpPath, err)
	}

	return tmpPath, nil
}

// writeTargetTmpFile creates the sibling-of-source temp file as the
// target user and writes the edited content into it.
func (s *Session) writeTargetTmpFile(siblingPath string, data []byte) (*os.File, error) {
	if err := priv.EscPrivs(); err != nil {
		return nil, err
	}
	if err := priv.SetEPrivs(s.Identity.TargetUID, s.Identity.TargetGID); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(siblingPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("editor: could not create %s: %w", siblingPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("editor: could not write data to %s: %w", siblingPath, err)
	}
	return f, nil
}

func (s *Session) removeTmpEdit(tmpPath string) error {
	if err := priv.DropPrivs(s.Identity.OrigUID, s.Identity.OrigGID); err != nil {
		return err
	}
	if err := os.Remove(tmpPath); err != nil {
		return fmt.Errorf("editor: could not remove %s: %w", tmpPath, err)
	}
	return nil
}

// editMode decides the final file mode: an explicit numeric editmode,
// "keep" (the source file's existing mode), or — with no source file
// and no editmode rule — 0600.
func editMode(rule policy.Rule, sourceFile string) os.FileMode {
	if rule.EditMode != nil {
		if rule.EditMode.Mode != nil {
			return os.FileMode(*rule.EditMode.Mode) & os.ModePerm
		}
	}
	if fi, err := os.Stat(sourceFile); err == nil {
		return fi.Mode() & os.ModePerm
	}
	return 0o600
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// buildExitCmd expands %{OLD}/%{NEW} in the rule's exitcmd and returns
// an *exec.Cmd inheriting the controlling terminal, matching the
// original's build_exitcmd.
func buildExitCmd(rule policy.Rule, sourceFile, editFile string) (*exec.Cmd, error) {
	if rule.ExitCmd == nil {
		return nil, nil
	}
	parts := whitespaceRe.Split(*rule.ExitCmd, -1)
	if len(parts) == 0 || parts[0] == "" {
		return nil, fmt.Errorf("editor: exitcmd has too few arguments")
	}
	args := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		p = strings.ReplaceAll(p, "%{OLD}", sourceFile)
		p = strings.ReplaceAll(p, "%{NEW}", editFile)
		args = append(args, p)
	}
	cmd := exec.Command(parts[0], args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "PLEASE_EDIT_FILE="+editFile)
	return cmd, nil
}

// renameToSource runs the exit-hook (if any) against the target-owned
// sibling file, then renames it over the source. It reports whether
// the rename committed; a false result with resume=true means the
// caller should loop with the contents preserved, and with resume=false
// means the caller should abort.
func (s *Session) renameToSource(siblingPath string, siblingFile *os.File, resume bool) (bool, error) {
	if err := priv.EscPrivs(); err != nil {
		return false, err
	}
	if err := priv.SetEPrivs(s.Identity.TargetUID, s.Identity.TargetGID); err != nil {
		return false, err
	}

	if err := siblingFile.Chown(s.Identity.TargetUID, s.Identity.TargetGID); err != nil {
		fmt.Fprintf(os.Stderr, "Could not chown %s\n", siblingPath)
	}
	if err := siblingFile.Chmod(editMode(s.Rule, s.SourceFile)); err != nil {
		fmt.Fprintf(os.Stderr, "Could not chmod %s\n", siblingPath)
	}

	cmd, err := buildExitCmd(s.Rule, s.SourceFile, siblingPath)
	if err != nil {
		return false, err
	}
	if cmd != nil {
		runErr := cmd.Run()
		if runErr != nil {
			if !resume {
				fmt.Println("Aborting as exitcmd was non-zero when executing, removing tmp file:")
				fmt.Println(runErr)
				os.Remove(siblingPath)
				return false, fmt.Errorf("editor: exitcmd failed: %w", runErr)
			}
			os.Remove(siblingPath)
			return false, nil
		}
	}

	if err := os.Rename(siblingPath, s.SourceFile); err != nil {
		return false, fmt.Errorf("editor: could not rename %s to %s: %w", siblingPath, s.SourceFile, err)
	}
	return true, nil
}

// RunEditOnce forks the editor as a child with its credentials already
// dropped to the invoker's real identity, waits for it while relaying
// job-control stops back to this process (so Ctrl-Z in the editor
// suspends please too), and returns whether it exited cleanly.
//
// Go cannot safely fork() without exec — the runtime's goroutines and
// GC would be left in an inconsistent state in the child — so instead
// of the original's raw fork()-then-setuid-then-exec, the privilege
// drop is expressed as syscall.Credential on the ForkExec call itself,
// the same mechanism os/exec's Cmd.SysProcAttr uses. WIFSTOPPED
// replaces the SIGCHLD/SI_MESGQ trick for detecting a suspended child.
func RunEditOnce(origUID, origGID int, oldUmask int, oldEnv map[string]string, editorCmd, editFile string) (bool, error) {
	fields := strings.Fields(editorCmd)
	if len(fields) == 0 {
		return false, fmt.Errorf("editor: no editor configured")
	}
	bin, err := exec.LookPath(fields[0])
	if err != nil {
		return false, fmt.Errorf("editor: could not find %s: %w", fields[0], err)
	}
	argv := append(append([]string{bin}, fields[1:]...), editFile)

	env := os.Environ()
	if oldEnv != nil {
		env = make([]string, 0, len(oldEnv))
		for k, v := range oldEnv {
			env = append(env, k+"="+v)
		}
	}

	prevMask := unix.Umask(oldUmask)
	pid, err := syscall.ForkExec(bin, argv, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()},
		Sys: &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(origUID), Gid: uint32(origGID)},
		},
	})
	unix.Umask(prevMask)
	if err != nil {
		return false, fmt.Errorf("editor: fork failed: %w", err)
	}

	for {
		var ws syscall.WaitStatus
		if _, err := syscall.Wait4(pid, &ws, syscall.WUNTRACED, nil); err != nil {
			return false, fmt.Errorf("editor: wait failed: %w", err)
		}
		if ws.Stopped() {
			unix.Kill(os.Getpid(), unix.SIGTSTP)
			unix.Kill(pid, unix.SIGCONT)
			continue
		}
		if ws.Exited() {
			return ws.ExitStatus() == 0, nil
		}
		return false, nil
	}
}

// ReadAll reads a whole file, used to pull the edited contents back
// into memory between the invoker's temp copy and the target's
// sibling file.
func ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Run drives the full temp-file/edit/exit-hook/rename state machine,
// looping when --resume is set and the exit-hook rejects an edit
// (spec.md §4.H "Resume"). s.Editor is the already-resolved editor
// invocation (e.g. "vim -n").
func (s *Session) Run(resume bool) error {
	var (
		editFile string
		data     []byte
		resuming bool
	)

	for {
		tmp, err := s.setupTempEditFile(data, resuming, editFile)
		if err != nil {
			return err
		}
		editFile = tmp
		os.Setenv("PLEASE_EDIT_FILE", editFile)

		good, err := RunEditOnce(s.Identity.OrigUID, s.Identity.OrigGID, s.OldUmask, s.OldEnv, s.Editor, editFile)
		if err != nil {
			return err
		}
		if !good {
			return fmt.Errorf("editor: editor or child did not close cleanly, leaving %s in place", editFile)
		}

		edited, err := ReadAll(editFile)
		if err != nil {
			return fmt.Errorf("editor: could not read %s: %w", editFile, err)
		}

		siblingPath := SourceTempFileName(s.SourceFile, s.Service+".copy", s.Identity.OrigName)
		siblingFile, err := s.writeTargetTmpFile(siblingPath, edited)
		if err != nil {
			return err
		}

		if err := s.removeTmpEdit(editFile); err != nil {
			return err
		}

		committed, err := s.renameToSource(siblingPath, siblingFile, resume)
		siblingFile.Close()
		if err != nil {
			return err
		}
		if committed {
			return nil
		}

		data = edited
		resuming = true
	}
}
