package runner

import (
	"time"

	"github.com/spf13/afero"

	"go.nextest.dev/nextest/lib/envfile"
)

// scriptUnit owns one setup script execution. Scripts run through the same
// process state machine as tests, but exactly once each: their outcomes are
// never retried.
type scriptUnit struct {
	r      *Runner
	script SetupScript
	index  int
	cmdCh  chan unitCommand

	// Path of the environment file the script may write its exports to.
	envPath string
}

func newScriptUnit(r *Runner, script SetupScript, index int) *scriptUnit {
	return &scriptUnit{
		r:      r,
		script: script,
		index:  index,
		cmdCh:  make(chan unitCommand, 16),
	}
}

func (u *scriptUnit) exec(startPaused bool) *unitExec {
	return &unitExec{
		r:           u.r,
		cmdCh:       u.cmdCh,
		startPaused: startPaused,
		identify: func() UnitInfo {
			return UnitInfo{Script: &ScriptInfo{
				ScriptID: u.script.ID,
				Command:  u.script.Command,
				Args:     u.script.Args,
			}}
		},
		onSlow: func(elapsed time.Duration, willTerminate bool) {
			u.r.sendMsg(msgScriptSlow{unit: u, elapsed: elapsed, willTerminate: willTerminate})
		},
	}
}

func (u *scriptUnit) spec() ProcessSpec {
	env := make([]string, 0, len(u.r.baseEnv)+len(u.script.Env)+1)
	env = append(env, u.r.baseEnv...)
	env = append(env, u.script.Env...)
	env = append(env, envfile.ReservedPrefix+"_ENV="+u.envPath)
	return ProcessSpec{
		Command:        u.script.Command,
		Args:           u.script.Args,
		Dir:            u.script.Dir,
		Env:            env,
		PassThrough:    u.r.cfg.NoCapture.Bool,
		Stdout:         u.r.passthroughStdout,
		Stderr:         u.r.passthroughStderr,
		MaxOutputBytes: int(u.r.cfg.MaxOutputBytes.Int64),
	}
}

// run is the script goroutine. It executes the script once, collects its
// exported environment, and reports the outcome to the dispatcher.
func (u *scriptUnit) run(startPaused bool) {
	status := SetupScriptExecuteStatus{}

	envFile, err := afero.TempFile(u.r.fs, "", "nextest-env-")
	if err == nil {
		u.envPath = envFile.Name()
		_ = envFile.Close()
	} else {
		u.r.logger.WithError(err).Warn("could not create setup script environment file")
	}

	outcome := u.exec(startPaused).execute(u.spec())
	status.Output = outcome.output
	status.Result = outcome.result
	status.StartTime = outcome.startTime
	status.TimeTaken = outcome.timeTaken
	status.IsSlow = outcome.isSlow

	if status.Result.IsSuccess() && u.envPath != "" {
		env, err := envfile.ParseFile(u.r.fs, u.envPath)
		if err != nil {
			// A script that exits cleanly but writes garbage still fails.
			u.r.logger.WithError(err).WithField("script", u.script.ID).
				Error("setup script produced an invalid environment file")
			status.Result = ExecutionResult{Kind: ResultFail}
		} else {
			status.EnvMap = env
		}
	}
	if u.envPath != "" {
		_ = u.r.fs.Remove(u.envPath)
	}

	u.r.sendMsg(msgScriptFinished{unit: u, status: status})
}
