package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/api/graph"
	"github.com/lvdashuaibi/teamvote/internal/auth"
	"github.com/lvdashuaibi/teamvote/internal/model"
	"github.com/lvdashuaibi/teamvote/internal/service"
)

// Deps 路由依赖
type Deps struct {
	Service     *service.VotingService
	GraphQL     *graph.GraphQLServer
	GraphQLPath string
	Sessions    *auth.SessionManager
	// Google 未配置时登录接口返回 503
	Google        *auth.GoogleLogin
	Logger        logrus.FieldLogger
	SecureCookies bool
}

type handler struct {
	svc      *service.VotingService
	sessions *auth.SessionManager
	google   *auth.GoogleLogin
	secure   bool
	logger   logrus.FieldLogger
}

func NewRouter(d Deps) *gin.Engine {
	if d.GraphQLPath == "" {
		d.GraphQLPath = "/graphql"
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	logger := d.Logger.WithField("component", "http")

	h := &handler{
		svc:      d.Service,
		sessions: d.Sessions,
		google:   d.Google,
		secure:   d.SecureCookies,
		logger:   logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(Session(d.Sessions))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/", gin.WrapF(graph.Playground(d.GraphQLPath)))

	// 写操作的频率限制在 resolver 里按身份执行
	r.POST(d.GraphQLPath, gin.WrapH(d.GraphQL.Handler()))

	authGroup := r.Group("/auth")
	authGroup.GET("/login", h.login)
	authGroup.GET("/callback", h.callback)
	authGroup.POST("/logout", h.logout)
	authGroup.GET("/logout", h.logout)

	apiGroup := r.Group("/api")
	apiGroup.GET("/topics", h.listTopics)
	apiGroup.GET("/topics/:id", h.getTopic)
	apiGroup.GET("/topics/:id/tally", h.tally)

	return r
}

func (h *handler) login(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "oauth_disabled", "message": "未配置Google登录"})
		return
	}
	state := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.StateCookie, state, 600, "/auth", "", h.secure, true)
	c.Redirect(http.StatusFound, h.google.AuthCodeURL(state))
}

func (h *handler) callback(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "oauth_disabled", "message": "未配置Google登录"})
		return
	}

	expected, err := c.Cookie(auth.StateCookie)
	if err != nil || expected == "" || expected != c.Query("state") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "message": "登录状态校验失败"})
		return
	}
	c.SetCookie(auth.StateCookie, "", -1, "/auth", "", h.secure, true)

	identity, err := h.google.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		h.logger.WithError(err).Warn("Google登录失败")
		writeError(c, err)
		return
	}

	token, err := h.sessions.Generate(identity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookie, token, int(h.sessions.TTL().Seconds()), "/", "", h.secure, true)
	h.logger.WithField("identity", identity).Info("登录成功")
	c.Redirect(http.StatusFound, "/")
}

func (h *handler) logout(c *gin.Context) {
	c.SetCookie(auth.SessionCookie, "", -1, "/", "", h.secure, true)
	c.Status(http.StatusNoContent)
}

func (h *handler) listTopics(c *gin.Context) {
	order := model.TopicOrder(c.DefaultQuery("order", string(model.OrderDeadlineAsc)))

	var topics []*model.Topic
	var err error
	if c.Query("open") == "true" {
		topics, err = h.svc.ListOpenTopics(c.Request.Context(), time.Now(), order)
	} else {
		topics, err = h.svc.ListTopics(c.Request.Context(), order)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

func (h *handler) getTopic(c *gin.Context) {
	topic, err := h.svc.GetTopic(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, topic)
}

func (h *handler) tally(c *gin.Context) {
	var tally *model.Tally
	var err error
	if c.Query("summarize") == "true" {
		tally, err = h.svc.Summarize(c.Request.Context(), c.Param("id"))
	} else {
		tally, err = h.svc.Tally(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tally)
}
