package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"veranda/internal/api"
	"veranda/internal/config"
)

func postAdmin(cfg *config.Config, path string, req, resp any) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	res, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("admin API call failed (Status: %d): %s", res.StatusCode, string(body))
	}

	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func AddUser(username string, cfg *config.Config, out io.Writer) error {
	var result api.AddUserResponse
	if err := postAdmin(cfg, "/admin/users", api.AddUserRequest{Username: username}, &result); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nUser Created Successfully!\n")
	fmt.Fprintf(out, "Username:          %s\n", result.Username)
	fmt.Fprintf(out, "Password:          %s\n", result.Password)
	fmt.Fprintf(out, "Login at:          %s\n\n", cfg.BaseURL)
	fmt.Fprintln(out, "Please share the password with the user over a private channel.")
	return nil
}

func AddRoom(name string, cfg *config.Config, out io.Writer) error {
	var result api.AddRoomResponse
	if err := postAdmin(cfg, "/admin/rooms", api.AddRoomRequest{Name: name}, &result); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nRoom Created Successfully!\n")
	fmt.Fprintf(out, "Name:              %s\n", result.Room.Name)
	fmt.Fprintf(out, "Link:              %s/room/%s\n", cfg.BaseURL, result.Room.ID)
	return nil
}
