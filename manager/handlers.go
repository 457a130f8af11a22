package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"density/auth"
	"density/compose"
	"density/task"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const composeField = "docker-compose"

// taskResponse is a task along with its most recent run.
type taskResponse struct {
	*task.Task
	Run *task.Run `json:"run"`
}

func (a *Api) home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": "density", "version": a.Version})
}

func (a *Api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listTasks filters on the labels given in the query. For an admin,
// "owner" narrows the list to the tasks of that owner instead.
func (a *Api) listTasks(c *gin.Context) {
	claims := auth.FromContext(c)
	filter := make(map[string]string)
	for k, values := range c.Request.URL.Query() {
		if len(values) > 1 {
			a.writeError(c, fmt.Errorf("%w: label %q is repeated", task.ErrInvalidSpec, k))
			return
		}
		filter[k] = values[0]
	}
	owner, byOwner := "", false
	if claims != nil && claims.Admin {
		owner, byOwner = filter["owner"]
		delete(filter, "owner")
	}
	tasks, err := a.Manager.GetTasks(filter)
	if err != nil {
		a.writeError(c, err)
		return
	}
	visible := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if claims.CanSee(t.Owner) && (!byOwner || t.Owner == owner) {
			visible = append(visible, t)
		}
	}
	c.JSON(http.StatusOK, visible)
}

func (a *Api) createTask(c *gin.Context) {
	var t *task.Task
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		t, err = taskFromForm(c)
	} else {
		t, err = taskFromJSON(c.Request.Body)
	}
	if err != nil {
		a.writeError(c, err)
		return
	}
	t.Owner = auth.FromContext(c).Owner

	created, err := a.Manager.AddTask(c.Request.Context(), t)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func taskFromForm(c *gin.Context) (*task.Task, error) {
	fh, err := c.FormFile(composeField)
	if err != nil {
		return nil, fmt.Errorf("%w: %s file is required", task.ErrInvalidSpec, composeField)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cmp, err := compose.Parse(content)
	if err != nil {
		return nil, err
	}
	t := &task.Task{Action: task.Action{Compose: cmp}}
	if raw := c.PostForm("labels"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Labels); err != nil {
			return nil, fmt.Errorf("%w: labels: %v", task.ErrInvalidSpec, err)
		}
	}
	if err := liftBatch(t); err != nil {
		return nil, err
	}
	return t, nil
}

func taskFromJSON(r io.Reader) (*task.Task, error) {
	t := &task.Task{}
	if err := json.NewDecoder(r).Decode(t); err != nil {
		if errors.Is(err, task.ErrInvalidSpec) || errors.Is(err, compose.ErrInvalidSpec) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", task.ErrInvalidSpec, err)
	}
	if t.Action.Compose != nil {
		if err := liftBatch(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// liftBatch moves the x-batch block of the compose file into the task,
// without overriding what the task already sets.
func liftBatch(t *task.Task) error {
	b, err := t.Action.Compose.LiftBatch()
	if err != nil {
		return err
	}
	if t.MaxExecutionTime == 0 {
		t.MaxExecutionTime = task.Duration(b.MaxExecutionTime)
	}
	if t.Every == 0 {
		t.Every = task.Duration(b.Every)
	}
	if t.Cron == "" {
		t.Cron = b.Cron
	}
	return nil
}

func (a *Api) getTask(c *gin.Context) {
	t, ok := a.visibleTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, taskResponse{Task: t, Run: t.LastRun()})
}

func (a *Api) deleteTask(c *gin.Context) {
	t, ok := a.visibleTask(c)
	if !ok {
		return
	}
	_, waitFor := c.GetQuery("wait_for")
	result, err := a.Manager.CancelTask(c.Request.Context(), t.ID, waitFor)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if result == Completed {
		c.Status(http.StatusNoContent)
		return
	}
	c.Status(http.StatusAccepted)
}

func (a *Api) readVolume(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		a.writeError(c, fmt.Errorf("%w: %s", task.ErrNotFound, c.Param("id")))
		return
	}
	full, err := a.Manager.ArtifactPath(auth.FromContext(c), id, c.Param("path"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.File(full)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// events streams task events as JSON messages until the client leaves.
// Non-admin callers only get the events of their own tasks.
func (a *Api) events(c *gin.Context) {
	claims := auth.FromContext(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for evt := range a.Manager.Events.Subscribe(ctx) {
		if !claims.Admin {
			t, err := a.Manager.GetTask(evt.TaskID)
			if err != nil || !claims.CanSee(t.Owner) {
				continue
			}
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

func (a *Api) visibleTask(c *gin.Context) (*task.Task, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		a.writeError(c, fmt.Errorf("%w: %s", task.ErrNotFound, c.Param("id")))
		return nil, false
	}
	t, err := a.Manager.GetTask(id)
	if err == nil && !auth.FromContext(c).CanSee(t.Owner) {
		err = fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		a.writeError(c, err)
		return nil, false
	}
	return t, true
}

func (a *Api) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrInvalidSpec), errors.Is(err, compose.ErrInvalidSpec):
		code = http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthorized):
		code = http.StatusUnauthorized
	}
	if code == http.StatusInternalServerError {
		a.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, ErrResponse{HTTPStatusCode: code, Message: err.Error()})
}
