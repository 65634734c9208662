package schemas

type User struct {
	Username string `json:"username" doc:"Username of the principal"`
	Email    string `json:"email,omitempty" doc:"Email address of the principal"`
}

type MeResponse struct {
	Body struct {
		User User `json:"user"`
	}
}
