package session

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"collabtext/internal/config"
)

// App owns the application state and runs the lifecycle transitions. The
// front-end reads the state, edits the lobby and asks for transitions; the
// transitions run in the background and call redraw whenever the state
// changes.
//
// The same lock guards the state and the live session, so a front-end holding
// an InSession value never races the coordination task.
type App struct {
	cfg    config.Config
	bind   config.Binder
	redraw func()

	stateLock sync.Mutex
	state     State
	lastErr   error

	tasks sync.WaitGroup
}

func NewApp(cfg config.Config, bind config.Binder, redraw func()) *App {
	if redraw == nil {
		redraw = func() {}
	}
	return &App{
		cfg:    cfg,
		bind:   bind,
		redraw: redraw,
		state:  NotInSession{},
	}
}

func (a *App) State() State {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	return a.state
}

// SetLobby replaces the lobby inputs. It does nothing outside NotInSession.
func (a *App) SetLobby(lobby Lobby) {
	a.stateLock.Lock()
	if _, ok := a.state.(NotInSession); !ok {
		a.stateLock.Unlock()
		return
	}
	a.state = NotInSession{Lobby: lobby}
	a.stateLock.Unlock()
	a.redraw()
}

// LastError is the most recent setup failure, for the front-end to show.
func (a *App) LastError() error {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	return a.lastErr
}

// BeginSession starts creating a session, or joining one when bootstrap names
// peers, and returns immediately. It does nothing unless the app is
// NotInSession. If setup fails the app returns to the lobby it came from.
func (a *App) BeginSession(name string, bootstrap string) {
	a.stateLock.Lock()
	prev, ok := a.state.(NotInSession)
	if !ok {
		a.stateLock.Unlock()
		return
	}
	a.state = Establishing{}
	a.lastErr = nil
	a.tasks.Add(1)
	a.stateLock.Unlock()
	a.redraw()

	go func() {
		defer a.tasks.Done()
		s, err := setup(context.Background(), a.cfg, a.bind, name, bootstrap, &a.stateLock, a.redraw)

		a.stateLock.Lock()
		if err != nil {
			glog.Infof("[session]setup error = %s\n", err)
			a.lastErr = err
			a.state = prev
		} else {
			glog.Infof("[session]%s in session as %q\n", s.id.Short(), name)
			a.state = InSession{Session: s}
		}
		a.stateLock.Unlock()
		a.redraw()
	}()
}

// BeginLeave tears the current session down in the background. It does
// nothing unless the app is InSession.
func (a *App) BeginLeave() {
	a.stateLock.Lock()
	current, ok := a.state.(InSession)
	if !ok {
		a.stateLock.Unlock()
		return
	}
	a.state = Establishing{}
	a.tasks.Add(1)
	a.stateLock.Unlock()
	a.redraw()

	go func() {
		defer a.tasks.Done()
		current.Session.close()

		a.stateLock.Lock()
		a.state = NotInSession{}
		a.stateLock.Unlock()
		glog.Infof("[session]%s left\n", current.Session.id.Short())
		a.redraw()
	}()
}

// Wait blocks until the lifecycle transitions in flight are done.
func (a *App) Wait() {
	a.tasks.Wait()
}
