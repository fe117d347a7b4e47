package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/haitrung/studyloop/internal/challenge"
	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
	"github.com/haitrung/studyloop/internal/event"
	"github.com/haitrung/studyloop/internal/leaderboard"
)

type Config struct {
	Engine       *gin.Engine
	EventBus     *event.Bus
	Challenge    *challenge.Service
	Leaderboard  *leaderboard.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	cs *challenge.Service
	ls *leaderboard.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		cs:     c.Challenge,
		ls:     c.Leaderboard,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	v1 := c.Engine.Group("/v1")
	v1.POST("/challenges", a.createChallenge)
	v1.GET("/challenges/code/:code", a.getChallenge)
	v1.POST("/challenges/join", a.joinChallenge)
	v1.POST("/challenges/:id/tasks", a.addTasks)
	v1.POST("/challenges/:id/tasks/:taskID/toggle", a.toggleTask)
	v1.POST("/challenges/:id/end", a.endChallenge)
	v1.GET("/challenges/:id/standings", a.getStandings)

	c.EventBus.Subscribe(domain.EventNameStandingsUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishStandingsUpdated(ctx, e.(domain.EventStandingsUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameChallengeEnded, func(ctx context.Context, e event.Event) error {
		return a.PublishChallengeEnded(ctx, e.(domain.EventChallengeEnded))
	})

	return a
}

func abortWithError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

type taskSpec struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Points      int    `json:"points"`
}

func (t taskSpec) toDomain() challenge.TaskSpec {
	return challenge.TaskSpec{
		TaskID:      t.TaskID,
		Title:       t.Title,
		Description: t.Description,
		Points:      t.Points,
	}
}

type createChallengeRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	CreatedBy   string     `json:"created_by"`
	Tasks       []taskSpec `json:"tasks"`
}

func (a *API) createChallenge(c *gin.Context) {
	var req createChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	specs := make([]challenge.TaskSpec, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		specs = append(specs, t.toDomain())
	}

	ch, err := a.cs.CreateChallenge(c.Request.Context(), challenge.CreateChallengeRequest{
		Title:       req.Title,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		Tasks:       specs,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ch)
}

func (a *API) getChallenge(c *gin.Context) {
	ch, err := a.cs.GetChallenge(c.Request.Context(), c.Param("code"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ch)
}

type joinChallengeRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

func (a *API) joinChallenge(c *gin.Context) {
	var req joinChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ch, err := a.cs.JoinChallenge(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ch)
}

type addTasksRequest struct {
	WriterID string     `json:"writer_id"`
	Tasks    []taskSpec `json:"tasks"`
}

type addTasksResponse struct {
	Challenge *domain.Challenge `json:"challenge"`
	Stripped  int               `json:"stripped"`
}

func (a *API) addTasks(c *gin.Context) {
	var req addTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	specs := make([]challenge.TaskSpec, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		specs = append(specs, t.toDomain())
	}

	res, err := a.cs.AddTasks(c.Request.Context(), c.Param("id"), req.WriterID, specs)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, addTasksResponse{
		Challenge: &res.Challenge,
		Stripped:  res.Stripped,
	})
}

type toggleTaskRequest struct {
	UserID string `json:"user_id"`
}

type toggleTaskResponse struct {
	Challenge *domain.Challenge `json:"challenge"`
	Attempts  int               `json:"attempts"`
	Fallback  bool              `json:"fallback"`
}

func (a *API) toggleTask(c *gin.Context) {
	var req toggleTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	res, err := a.cs.ToggleTask(c.Request.Context(), c.Param("id"), c.Param("taskID"), req.UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toggleTaskResponse{
		Challenge: &res.Challenge,
		Attempts:  res.Attempts,
		Fallback:  res.Fallback,
	})
}

type endChallengeRequest struct {
	WriterID    string   `json:"writer_id"`
	WinnersHint []string `json:"winners_hint"`
}

func (a *API) endChallenge(c *gin.Context) {
	var req endChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ch, err := a.cs.EndChallenge(c.Request.Context(), c.Param("id"), req.WriterID, req.WinnersHint)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ch)
}

func (a *API) getStandings(c *gin.Context) {
	st, err := a.ls.GetStandings(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}
