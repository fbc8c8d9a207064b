package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gobwas/ws"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"clique.live/config"
	"clique.live/model"
	"clique.live/relay"
	"clique.live/storage"
)

type API struct {
	echo    *echo.Echo
	config  *config.Config
	storage storage.Storage
	members *relay.Membership
	relay   *relay.Relay
}

type (
	createRoomRequest struct {
		Host     string `json:"host"`
		HostID   string `json:"hostId"`
		Name     string `json:"name"`
		Password string `json:"password"`
		UserCap  int    `json:"usercap"`
	}

	userInfoRequest struct {
		RoomCode string `json:"roomCode"`
		UserID   string `json:"userId"`
	}

	enterRoomRequest struct {
		RoomCode  string `json:"roomCode"`
		DispName  string `json:"dispName"`
		GuestName string `json:"guestName"`
		GuestID   string `json:"guestId"`
		IsOwner   bool   `json:"isOwner"`
	}

	leaveRoomRequest struct {
		RoomCode string `json:"roomCode"`
		GuestID  string `json:"guestId"`
	}
)

func New(c *config.Config, s storage.Storage, ms *relay.Membership, r *relay.Relay) *API {
	api := &API{
		echo:    echo.New(),
		config:  c,
		storage: s,
		members: ms,
		relay:   r,
	}

	api.echo.HideBanner = true
	api.echo.Use(middleware.CORS())

	api.echo.GET("/", api.ping)
	api.echo.POST("/api/rooms", api.createRoom)
	api.echo.GET("/api/rooms/:roomCode", api.getRoom)
	api.echo.DELETE("/api/rooms/:roomCode", api.removeRoom)
	api.echo.POST("/api/rooms/userinfo", api.userInfo)
	api.echo.PATCH("/api/rooms/enter", api.enterRoom)
	api.echo.PATCH("/api/rooms/leave", api.leaveRoom)
	api.echo.Any("/ws", api.websocket)

	return api
}

func (api *API) Start() error {
	err := api.relay.Start()
	if err != nil {
		return err
	}
	return api.echo.Start(":" + strconv.Itoa(api.config.HttpPort))
}

func (api *API) Close(ctx context.Context) error {
	api.relay.Close()
	return api.echo.Shutdown(ctx)
}

// Ping handler
func (api *API) ping(c echo.Context) error {
	_, err := api.storage.IncrVisits()
	if err != nil {
		log.Error(err)
	}
	return c.String(http.StatusOK, "OK")
}

// Room creation endpoint: the creator becomes the owner and the first
// current member.
func (api *API) createRoom(c echo.Context) error {
	var req createRoomRequest
	err := c.Bind(&req)
	if err != nil {
		log.Warn(err)
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	}

	room := &model.Room{
		Host:     req.Host,
		Name:     req.Name,
		Pass:     req.Password,
		MaxUsers: req.UserCap,
		Members: []model.Member{
			{RealName: req.Host, DispName: req.Host, UserID: req.HostID, IsOwner: true},
		},
	}
	if !room.Valid() {
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	}

	code, err := api.storage.CreateRoom(room)
	if err != nil {
		log.Error(err)
		return echo.NewHTTPError(http.StatusConflict)
	}
	return c.JSON(http.StatusOK, map[string]string{"code": code})
}

// Returns room data by room code
func (api *API) getRoom(c echo.Context) error {
	roomCode := c.Param("roomCode")
	room, err := api.storage.GetRoom(roomCode)
	if err != nil {
		log.Info(err)
		return echo.NewHTTPError(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, room)
}

func (api *API) removeRoom(c echo.Context) error {
	err := api.storage.DeleteRoom(c.Param("roomCode"))
	if err != nil {
		log.Error(err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

// Member lookup by id. A past member is re-entered into the current list as
// a side effect; an unknown id yields an empty object.
func (api *API) userInfo(c echo.Context) error {
	var req userInfoRequest
	err := c.Bind(&req)
	if err != nil {
		log.Warn(err)
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	}

	member, err := api.members.Lookup(req.RoomCode, req.UserID)
	if err != nil {
		log.Info(err)
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if member == nil {
		return c.JSON(http.StatusOK, map[string]string{})
	}
	return c.JSON(http.StatusOK, member)
}

func (api *API) enterRoom(c echo.Context) error {
	var req enterRoomRequest
	err := c.Bind(&req)
	if err != nil {
		log.Warn(err)
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	}

	member := model.Member{
		RealName: req.GuestName,
		DispName: req.DispName,
		UserID:   req.GuestID,
		IsOwner:  req.IsOwner,
	}
	if !member.Valid() {
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	}

	if err = api.members.Enter(req.RoomCode, member); err != nil {
		log.Warn(err)
		return echo.NewHTTPError(http.StatusConflict)
	}
	return c.NoContent(http.StatusOK)
}

func (api *API) leaveRoom(c echo.Context) error {
	var req leaveRoomRequest
	err := c.Bind(&req)
	if err != nil {
		log.Warn(err)
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	}

	api.members.Leave(req.RoomCode, req.GuestID)
	return c.NoContent(http.StatusOK)
}

// Endpoint to establish websocket connection; the socket stays unbound until
// its JOIN_ROOM event arrives.
func (api *API) websocket(c echo.Context) error {
	conn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		log.Warn(err)
		return c.NoContent(http.StatusBadRequest)
	}

	api.relay.Serve(&model.User{Conn: conn})
	return nil
}
