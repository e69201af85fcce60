// We intentionally use the _test package here so that the tests import
// executil like client code would.
package executil_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.skia.org/mrtaskman/go/executil"
)

// runTaskCommand is the shape of code a worker executor uses: invoke an
// external binary and capture its combined output.
func runTaskCommand(ctx context.Context) (string, error) {
	cmd := executil.CommandContext(ctx, "run_task.sh", "--config", "task.json")
	b, err := cmd.CombinedOutput()
	return string(b), err
}

func TestFakeTestsContext_SingleFakeTest_Success(t *testing.T) {
	ctx := executil.FakeTestsContext("Test_FakeExe_RunTask_Succeeds")

	out, err := runTaskCommand(ctx)
	// assert, not require: require would swallow the faked process's own
	// assertion output, which is the first thing worth reading on failure.
	assert.NoError(t, err)
	assert.Equal(t, taskOutput, out)
}

func TestFakeTestsContext_SingleFakeTest_ReturnsErrorIfWrongArgumentsPassed(t *testing.T) {
	ctx := executil.FakeTestsContext("Test_FakeExe_RunTask_Succeeds")

	cmd := executil.CommandContext(ctx, "run_task.sh", "--bogus")
	_, err := cmd.CombinedOutput()
	require.Error(t, err)
}

func TestFakeTestsContext_SingleFakeTest_TaskFails_ReturnsError(t *testing.T) {
	ctx := executil.FakeTestsContext("Test_FakeExe_RunTask_Crashes")

	out, err := runTaskCommand(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "1") // exit code 1
	assert.Contains(t, out, "starting")  // partial output before the crash
}

func TestFakeTestsContext_MultipleFakeTests_FirstSucceedsSecondReturnsError(t *testing.T) {
	ctx := executil.FakeTestsContext(
		"Test_FakeExe_RunTask_Succeeds", // run first
		"Test_FakeExe_RunTask_Crashes")  // run second

	out, err := runTaskCommand(ctx)
	assert.NoError(t, err)
	assert.Contains(t, out, taskOutput)

	_, err = runTaskCommand(ctx)
	require.Error(t, err)

	assert.Equal(t, 2, executil.FakeCommandsReturned(ctx))
}

func TestWithFakeTests_ParentContextTimeoutRespected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ctx = executil.WithFakeTests(ctx, "Test_FakeExe_RunTask_Hangs")

	_, err := runTaskCommand(ctx)
	require.Error(t, err)
}

// This is not a real test, but a fake implementation of a worker's task
// command. By convention these are prefixed with FakeExe.
func Test_FakeExe_RunTask_Succeeds(t *testing.T) {
	if !executil.IsCallingFakeCommand() {
		return
	}

	args := executil.OriginalArgs()
	require.Equal(t, []string{"run_task.sh", "--config", "task.json"}, args)

	fmt.Print(taskOutput)
	os.Exit(0)
}

func Test_FakeExe_RunTask_Crashes(t *testing.T) {
	if !executil.IsCallingFakeCommand() {
		return
	}

	args := executil.OriginalArgs()
	require.Equal(t, []string{"run_task.sh", "--config", "task.json"}, args)

	fmt.Println("starting")
	os.Exit(1)
}

func Test_FakeExe_RunTask_Hangs(t *testing.T) {
	if executil.IsCallingFakeCommand() {
		// Sleep rather than select{}: a bare select{} in the otherwise idle
		// child trips the runtime's deadlock detector and exits at once.
		time.Sleep(time.Hour)
	}
}

const taskOutput = "task complete: 0 failures\n"
