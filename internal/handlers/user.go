package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/handlers/render"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
)

type userResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func newUserResponse(u models.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}

func handleCreateUser(userService userService, l logger.Logger) http.Handler {
	type request struct {
		Name     string `json:"name" validate:"required,max=100"`
		Email    string `json:"email" validate:"required,email,max=255"`
		Password string `json:"password" validate:"required,min=6"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		user, err := userService.CreateUser(r.Context(), req.Name, req.Email, req.Password)
		if err != nil {
			renderError(w, err, l, "Failed to create user")
			return
		}

		render.JSONWithStatus(w, newUserResponse(user), http.StatusCreated)
	})
}

func handleGetUser(userService userService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		user, err := userService.GetUserByID(r.Context(), id)
		if err != nil {
			renderError(w, err, l, "Failed to get user")
			return
		}

		render.JSON(w, newUserResponse(user))
	})
}

func handleGetUserByEmail(userService userService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := userService.GetUserByEmail(r.Context(), r.PathValue("email"))
		if err != nil {
			renderError(w, err, l, "Failed to get user by email")
			return
		}

		render.JSON(w, newUserResponse(user))
	})
}

// pathUUID parses path value; renders 400 on failure
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		render.ServiceError(w, "Invalid "+name, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
